package transcript

// Member is the minimal view of an item the grouping pass needs.
// Members must be passed in ascending, contiguous line order.
type Member struct {
	Line  int64
	Level string
}

// Span is a group boundary pair.
type Span struct {
	Head int64
	Tail int64
}

// AssignGroups computes group boundaries for a contiguous slice of
// items. Debug-only items break runs and get no span; every other
// item shares the span of its maximal run of consecutive
// non-debug neighbors.
//
// To bridge a batch with already-persisted items, prepend the
// persisted tail of the session (walked backward to the nearest
// debug-only anchor) to the batch before calling; the returned
// map then carries moved boundaries for those earlier lines too.
func AssignGroups(members []Member) map[int64]Span {
	spans := make(map[int64]Span, len(members))

	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		s := Span{
			Head: members[runStart].Line,
			Tail: members[end].Line,
		}
		for i := runStart; i <= end; i++ {
			spans[members[i].Line] = s
		}
		runStart = -1
	}

	for i, m := range members {
		if m.Level == LevelDebugOnly {
			flush(i - 1)
			continue
		}
		if runStart < 0 {
			runStart = i
		}
	}
	flush(len(members) - 1)

	return spans
}
