package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stylobot/gateway/internal/metrics"
)

// CloudRanges maps IPs to the cloud vendor that owns them.
type CloudRanges struct {
	ranges []vendorRange
}

type vendorRange struct {
	vendor string
	net    *net.IPNet
}

// Lookup returns the owning vendor for an IP, or ok=false.
func (c *CloudRanges) Lookup(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	for _, r := range c.ranges {
		if r.net.Contains(ip) {
			return r.vendor, true
		}
	}
	return "", false
}

// seedCloudCIDRs are the well-known blocks served until the first live
// refresh lands. Deliberately coarse; the AWS fetcher replaces its
// vendor's entries with the full published list.
var seedCloudCIDRs = map[string][]string{
	"aws": {
		"52.0.0.0/11", "54.64.0.0/11", "3.0.0.0/9", "13.32.0.0/12",
		"18.128.0.0/9", "34.192.0.0/10", "35.152.0.0/13",
	},
	"gcp": {
		"34.0.0.0/11", "35.184.0.0/13", "35.192.0.0/12", "104.154.0.0/15",
		"130.211.0.0/16", "146.148.0.0/17",
	},
	"azure": {
		"13.64.0.0/11", "20.0.0.0/10", "40.64.0.0/10", "52.224.0.0/11",
		"104.40.0.0/13", "137.116.0.0/15",
	},
	"oracle": {
		"129.146.0.0/16", "129.148.0.0/15", "132.145.0.0/16", "140.238.0.0/16",
	},
	"cloudflare": {
		"103.21.244.0/22", "103.22.200.0/22", "104.16.0.0/13", "104.24.0.0/14",
		"108.162.192.0/18", "131.0.72.0/22", "141.101.64.0/18", "162.158.0.0/15",
		"172.64.0.0/13", "173.245.48.0/20", "188.114.96.0/20", "190.93.240.0/20",
		"197.234.240.0/22", "198.41.128.0/17",
	},
	"digitalocean": {
		"104.131.0.0/16", "138.68.0.0/16", "159.65.0.0/16", "167.99.0.0/16",
		"178.62.0.0/17",
	},
}

// SeedCloudRanges builds the built-in snapshot.
func SeedCloudRanges() *CloudRanges {
	c := &CloudRanges{}
	for vendor, cidrs := range seedCloudCIDRs {
		for _, cidr := range cidrs {
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
				c.ranges = append(c.ranges, vendorRange{vendor: vendor, net: ipnet})
			}
		}
	}
	return c
}

const awsIPRangesURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

type awsIPRangesDoc struct {
	Prefixes []struct {
		IPPrefix string `json:"ip_prefix"`
	} `json:"prefixes"`
}

// FetchCloudRanges pulls the AWS published ranges and merges them over
// the seeds for the other vendors.
func FetchCloudRanges(client *http.Client) FetchFunc[CloudRanges] {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return func(ctx context.Context) (*CloudRanges, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, awsIPRangesURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch aws ranges: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch aws ranges: status %d", resp.StatusCode)
		}
		var doc awsIPRangesDoc
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse aws ranges: %w", err)
		}

		next := &CloudRanges{}
		for vendor, cidrs := range seedCloudCIDRs {
			if vendor == "aws" {
				continue
			}
			for _, cidr := range cidrs {
				if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
					next.ranges = append(next.ranges, vendorRange{vendor: vendor, net: ipnet})
				}
			}
		}
		for _, p := range doc.Prefixes {
			if _, ipnet, err := net.ParseCIDR(p.IPPrefix); err == nil {
				next.ranges = append(next.ranges, vendorRange{vendor: "aws", net: ipnet})
			}
		}
		return next, nil
	}
}

// NewCloudRangeSource wires the seed and the refresher together.
func NewCloudRangeSource(interval time.Duration, client *http.Client, m *metrics.Metrics) *Source[CloudRanges] {
	return NewSource("cloud_ranges", SeedCloudRanges(), interval, FetchCloudRanges(client), m)
}
