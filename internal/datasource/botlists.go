package datasource

import (
	"net"
	"regexp"
	"strings"
)

// GoodBot describes a verified crawler: UA marker plus the published
// IP ranges it crawls from, and optionally the rDNS suffixes for FCrDNS.
type GoodBot struct {
	Name        string
	UAContains  []string
	CIDRs       []string
	RDNSDomains []string

	nets []*net.IPNet
}

// BotLists bundles the UA-level reference data.
type BotLists struct {
	GoodBots []GoodBot

	// BadBotPatterns match UAs of known abusive bots.
	BadBotPatterns []*regexp.Regexp

	// AutomationPatterns match headless/automation frameworks.
	AutomationPatterns []*regexp.Regexp

	// ScannerPatterns match security scanner UAs.
	ScannerPatterns []*regexp.Regexp
}

// MatchGoodBot returns the verified crawler whose UA marker matches,
// or nil.
func (b *BotLists) MatchGoodBot(ua string) *GoodBot {
	lower := strings.ToLower(ua)
	for i := range b.GoodBots {
		for _, marker := range b.GoodBots[i].UAContains {
			if strings.Contains(lower, marker) {
				return &b.GoodBots[i]
			}
		}
	}
	return nil
}

// IPInRange reports whether ip belongs to the crawler's published ranges.
func (g *GoodBot) IPInRange(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range g.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, s string) (string, bool) {
	for _, p := range patterns {
		if p.MatchString(s) {
			return p.String(), true
		}
	}
	return "", false
}

// MatchBadBot reports a bad-bot UA match and the winning pattern.
func (b *BotLists) MatchBadBot(ua string) (string, bool) {
	return matchAny(b.BadBotPatterns, strings.ToLower(ua))
}

// MatchAutomation reports an automation-framework UA match.
func (b *BotLists) MatchAutomation(ua string) (string, bool) {
	return matchAny(b.AutomationPatterns, strings.ToLower(ua))
}

// MatchScanner reports a security-scanner UA match.
func (b *BotLists) MatchScanner(ua string) (string, bool) {
	return matchAny(b.ScannerPatterns, strings.ToLower(ua))
}

func compileAll(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// SeedBotLists returns the built-in reference data.
func SeedBotLists() *BotLists {
	lists := &BotLists{
		GoodBots: []GoodBot{
			{
				Name:       "Googlebot",
				UAContains: []string{"googlebot", "google.com/bot.html"},
				CIDRs: []string{
					"66.249.64.0/19", "64.233.160.0/19", "72.14.192.0/18",
					"209.85.128.0/17", "216.239.32.0/19", "34.100.182.96/28",
					"34.126.178.96/28",
				},
				RDNSDomains: []string{"googlebot.com", "google.com"},
			},
			{
				Name:        "Bingbot",
				UAContains:  []string{"bingbot", "bing.com/bingbot"},
				CIDRs:       []string{"157.55.39.0/24", "207.46.13.0/24", "40.77.167.0/24", "13.66.139.0/24"},
				RDNSDomains: []string{"search.msn.com"},
			},
			{
				Name:        "DuckDuckBot",
				UAContains:  []string{"duckduckbot"},
				CIDRs:       []string{"20.191.45.212/32", "40.88.21.235/32", "52.142.26.0/24"},
				RDNSDomains: []string{"duckduckgo.com"},
			},
			{
				Name:        "Applebot",
				UAContains:  []string{"applebot"},
				CIDRs:       []string{"17.0.0.0/8"},
				RDNSDomains: []string{"applebot.apple.com"},
			},
			{
				Name:       "YandexBot",
				UAContains: []string{"yandexbot"},
				CIDRs:      []string{"5.45.192.0/18", "77.88.0.0/18", "213.180.192.0/19"},
			},
		},
		BadBotPatterns: compileAll([]string{
			`ahrefsbot`, `semrushbot`, `mj12bot`, `dotbot`, `blexbot`,
			`petalbot`, `zoominfobot`, `dataforseo`, `serpstatbot`,
			`scrapy`, `python-requests`, `python-urllib`, `go-http-client`,
			`java/\d`, `okhttp`, `libwww-perl`, `httpclient`,
		}),
		AutomationPatterns: compileAll([]string{
			`headlesschrome`, `phantomjs`, `slimerjs`, `electron`,
			`selenium`, `webdriver`, `playwright`, `puppeteer`,
			`cypress`, `chromedriver`,
		}),
		ScannerPatterns: compileAll([]string{
			`sqlmap`, `nikto`, `nmap`, `masscan`, `nessus`, `openvas`,
			`acunetix`, `wpscan`, `dirbuster`, `gobuster`, `ffuf`,
			`burpsuite`, `metasploit`, `hydra`, `zgrab`,
		}),
	}
	for i := range lists.GoodBots {
		g := &lists.GoodBots[i]
		for _, cidr := range g.CIDRs {
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
				g.nets = append(g.nets, ipnet)
			}
		}
	}
	return lists
}
