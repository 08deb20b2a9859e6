package livesync

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// Merge folds batch into current, which must already be merged. Messages
// whose ID is already present are dropped, the rest are appended in arrival
// order and the whole sequence is stable-sorted by timestamp. Unknown
// timestamps sort first. Merging the same batch twice is the same as
// merging it once.
func Merge(current, batch []Message) []Message {
	seen := make(map[string]struct{}, len(current)+len(batch))
	for _, m := range current {
		seen[m.ID] = struct{}{}
	}

	fresh := lo.Filter(batch, func(m Message, _ int) bool {
		if _, ok := seen[m.ID]; ok {
			return false
		}
		seen[m.ID] = struct{}{}
		return true
	})
	if len(fresh) == 0 {
		return current
	}

	merged := make([]sortable, 0, len(current)+len(fresh))
	for _, m := range current {
		merged = append(merged, newSortable(m))
	}
	for _, m := range fresh {
		merged = append(merged, newSortable(m))
	}
	slices.SortStableFunc(merged, compareSortable)

	return lo.Map(merged, func(s sortable, _ int) Message { return s.msg })
}

type sortable struct {
	msg   Message
	at    time.Time
	known bool
}

func newSortable(m Message) sortable {
	at, ok := m.Time()
	return sortable{msg: m, at: at, known: ok}
}

func compareSortable(a, b sortable) int {
	switch {
	case !a.known && !b.known:
		return 0
	case !a.known:
		return -1
	case !b.known:
		return 1
	}
	return a.at.Compare(b.at)
}
