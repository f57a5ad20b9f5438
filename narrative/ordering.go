package narrative

import (
	"sort"
	"unicode/utf8"
)

// SortShortestFirst orders items by text length, shortest first, keeping the relative
// order of equal lengths. Callers use it to front-load cheap items before Run.
func SortShortestFirst(items []AnalysisInput) {
	sort.SliceStable(items, func(i, j int) bool {
		return utf8.RuneCountInString(items[i].Text) < utf8.RuneCountInString(items[j].Text)
	})
}
