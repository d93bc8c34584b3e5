package recycling

import "strings"

// StatRecord is the slice of a stored item the aggregator reads.
type StatRecord struct {
	Type     string
	Brand    string
	Decision string
}

// Stats summarises stored decisions.
type Stats struct {
	Total   int            `json:"total"`
	Accept  int            `json:"accept"`
	Reject  int            `json:"reject"`
	ByType  map[string]int `json:"by_type"`
	ByBrand map[string]int `json:"by_brand"`
}

// ComputeStats folds records into Stats. Decisions compare case-insensitively;
// type and brand are grouped by their raw stored value.
func ComputeStats(records []StatRecord) Stats {
	stats := Stats{
		Total:   len(records),
		ByType:  make(map[string]int),
		ByBrand: make(map[string]int),
	}
	for _, r := range records {
		switch {
		case strings.EqualFold(r.Decision, string(Accept)):
			stats.Accept++
		case strings.EqualFold(r.Decision, string(Reject)):
			stats.Reject++
		}
		stats.ByType[r.Type]++
		stats.ByBrand[r.Brand]++
	}
	return stats
}
