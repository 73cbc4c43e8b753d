package tuya

import (
	"maps"
	"slices"
)

// sortedReports flattens a scan result, ordered by device ID.
func sortedReports(found map[string]DiscoveryReport) []DiscoveryReport {
	out := make([]DiscoveryReport, 0, len(found))
	for _, id := range slices.Sorted(maps.Keys(found)) {
		out = append(out, found[id])
	}
	return out
}
