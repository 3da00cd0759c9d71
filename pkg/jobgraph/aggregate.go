package jobgraph

import "sort"

// AggregateResult rolls up an array job's per-element outcomes into
// its parent result: the lowest-index element's non-zero result, or 0
// if every element succeeded. It returns ok=false if any element has
// not yet reached a terminal status — the parent stays non-terminal
// until every element is.
func AggregateResult(elements []*ArrayElement) (status Status, result int, ok bool) {
	sorted := make([]*ArrayElement, len(elements))
	copy(sorted, elements)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, e := range sorted {
		if !e.Status.Terminal() {
			return "", 0, false
		}
	}

	for _, e := range sorted {
		if e.Result != nil && *e.Result != 0 {
			return StatusFailure, *e.Result, true
		}
	}
	return StatusSuccess, 0, true
}
