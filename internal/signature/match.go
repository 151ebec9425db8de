package signature

// MatchType classifies what kind of identity two signature bundles share.
type MatchType string

const (
	MatchWeak            MatchType = "Weak"
	MatchPartial         MatchType = "Partial"
	MatchExact           MatchType = "Exact"
	MatchClientIdentity  MatchType = "ClientIdentity"
	MatchNetworkIdentity MatchType = "NetworkIdentity"
	MatchGeoIdentity     MatchType = "GeoIdentity"
)

// Match is the result of comparing two signature bundles.
type Match struct {
	MatchedFactors int       `json:"matched_factors"`
	IsMatch        bool      `json:"is_match"` // matched >= 2
	Type           MatchType `json:"match_type"`
	Confidence     float64   `json:"confidence"`
}

// Compare scores factor agreement between two bundles. Only factors
// present on both sides participate; a factor absent from either side
// neither matches nor mismatches.
func Compare(a, b *MultiFactorSignature) Match {
	matched, comparable := 0, 0
	client, network, geo := false, false, false

	count := func(x, y string, flag *bool) {
		if x == "" || y == "" {
			return
		}
		comparable++
		if x == y {
			matched++
			if flag != nil {
				*flag = true
			}
		}
	}

	count(a.Primary, b.Primary, nil)
	count(a.IP, b.IP, &network)
	count(a.Subnet, b.Subnet, &network)
	count(a.UA, b.UA, nil)
	count(a.Client, b.Client, &client)
	count(a.IPClient, b.IPClient, &client)
	count(a.UAClient, b.UAClient, &client)
	count(a.Country, b.Country, &geo)

	m := Match{
		MatchedFactors: matched,
		IsMatch:        matched >= 2,
	}
	if comparable > 0 {
		m.Confidence = float64(matched) / float64(comparable)
	}

	switch {
	case comparable > 0 && matched == comparable && matched >= 3:
		m.Type = MatchExact
	case client:
		m.Type = MatchClientIdentity
	case network:
		m.Type = MatchNetworkIdentity
	case geo && matched >= 2:
		m.Type = MatchGeoIdentity
	case matched >= 2:
		m.Type = MatchPartial
	default:
		m.Type = MatchWeak
	}
	return m
}
