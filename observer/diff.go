package observer

// Diff is the row-level difference between two consecutive result snapshots.
// A row whose content and order both changed appears in Changed once per
// reason, matching the per-reason notifications subscribers receive.
type Diff struct {
	Added   []*Row
	Changed []*Row
	Removed []*Row
}

// Empty returns whether the Diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffResults computes the Diff from |old| to |next|. Removed rows are
// reported in |old| order; Added and Changed rows in |next| order.
func DiffResults(old, next *Results) Diff {
	var diff Diff

	for _, key := range old.Keys() {
		if next.Get(key) == nil {
			diff.Removed = append(diff.Removed, old.Get(key))
		}
	}
	for _, key := range next.Keys() {
		var row = next.Get(key)
		var prev = old.Get(key)

		if prev == nil {
			diff.Added = append(diff.Added, row)
			continue
		}
		if !prev.ContentEquals(row) {
			diff.Changed = append(diff.Changed, row)
		}
		if prev.Order != row.Order {
			diff.Changed = append(diff.Changed, row)
		}
	}
	return diff
}
