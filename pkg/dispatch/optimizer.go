package dispatch

import "sort"

// Filter is one query predicate; Op names the comparison kind the
// optimizer ranks by estimated selectivity.
type Filter struct {
	Field string `json:"field"`
	Op string `json:"op"`
	Value interface{} `json:"value"`
}

// selectivityRank implements ordering: "=" < "in" <
// range < "like" < other, most selective first.
func selectivityRank(op string) int {
	switch op {
	case "=", "eq":
		return 0
	case "in":
		return 1
	case ">", ">=", "<", "<=", "between", "range":
		return 2
	case "like", "ilike", "contains":
		return 3
	default:
		return 4
	}
}

// optimizeFilters returns a copy of filters reordered by estimated
// selectivity, never mutating the caller's slice.
func optimizeFilters(filters []Filter) []Filter {
	if len(filters) == 0 {
		return filters
	}
	out := make([]Filter, len(filters))
	copy(out, filters)
	sort.SliceStable(out, func(i, j int) bool {
		return selectivityRank(out[i].Op) < selectivityRank(out[j].Op)
	})
	return out
}
