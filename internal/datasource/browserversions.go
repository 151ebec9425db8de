package datasource

// BrowserVersions tracks the current published major version per
// browser family, for the version-age heuristic.
type BrowserVersions struct {
	Current map[string]int
}

// SeedBrowserVersions returns the shipped snapshot. Refreshed builds
// replace it from a release-channel feed.
func SeedBrowserVersions() *BrowserVersions {
	return &BrowserVersions{Current: map[string]int{
		"chrome":  139,
		"firefox": 142,
		"safari":  18,
		"edge":    139,
		"opera":   122,
	}}
}

// MajorVersionLag reports how many major versions behind the current
// release the given family/version pair is. Unknown families lag 0.
func (b *BrowserVersions) MajorVersionLag(family string, major int) int {
	cur, ok := b.Current[family]
	if !ok || major <= 0 {
		return 0
	}
	if lag := cur - major; lag > 0 {
		return lag
	}
	return 0
}
