package index

import "github.com/nikmarch/overturemaps-duckdb/internal/core/model"

// Result is a resolver answer. Building distinguishes "index not ready, Files
// is the unfiltered listing" from an empty match on a ready index.
type Result struct {
	Files    []string
	Total    int
	Filtered int
	Building bool
}

// Filter keeps files whose bbox intersects q, edges inclusive, in key order.
func Filter(idx *model.Index, q model.BBox) Result {
	all := idx.Keys()
	out := make([]string, 0, len(all))
	for _, k := range all {
		if idx.Files[k].Intersects(q) {
			out = append(out, k)
		}
	}
	return Result{Files: out, Total: len(all), Filtered: len(out)}
}
