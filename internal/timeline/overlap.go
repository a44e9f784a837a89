package timeline

// Intersects reports whether two half-open effective intervals share
// any instant.
func Intersects(a, b *Record) bool {
	return a.EffectiveFrom.Before(b.EffectiveTo) && a.EffectiveTo.After(b.EffectiveFrom)
}

// Conflatable reports whether two records carry the same value hash
// and touch at an endpoint in either direction.
func Conflatable(a, b *Record) bool {
	if a.Hash != b.Hash {
		return false
	}
	return a.EffectiveTo.Equal(b.EffectiveFrom) || b.EffectiveTo.Equal(a.EffectiveFrom)
}

// IsNoChange reports whether an update intersects some current record
// with an equal value hash; such updates are discarded.
func IsNoChange(current []Record, update *Record) bool {
	for i := range current {
		if Intersects(&current[i], update) && current[i].Hash == update.Hash {
			return true
		}
	}
	return false
}

// OverlapsCurrent reports whether an update overlaps any current
// record. Adjacency counts only when the update intersects no current
// record at all; otherwise a backfill would pull in an unrelated
// adjacent segment that happens to share the value hash.
func OverlapsCurrent(current []Record, update *Record) bool {
	for i := range current {
		if Intersects(&current[i], update) {
			return true
		}
	}
	for i := range current {
		if Conflatable(&current[i], update) {
			return true
		}
	}
	return false
}

// OverlapsUpdatesContextual reports whether a current record overlaps
// any of the updates. A current record overlaps through adjacency only
// via an update that itself intersects no current record (the pure
// extension case).
func OverlapsUpdatesContextual(updates []*Record, current *Record, allCurrent []Record) bool {
	for _, update := range updates {
		if Intersects(current, update) {
			return true
		}
		pureExtension := true
		for i := range allCurrent {
			if Intersects(&allCurrent[i], update) {
				pureExtension = false
				break
			}
		}
		if pureExtension && Conflatable(current, update) {
			return true
		}
	}
	return false
}

// Categorize splits the incoming records into discarded no-changes,
// overlapping and non-overlapping, and selects the current records
// that overlap contextually. Empty effective intervals are filtered
// first.
func Categorize(current, updates []Record) (overlappingCurrent, overlappingUpdates, nonOverlapping []*Record) {
	for i := range updates {
		u := &updates[i]
		if !u.EffectiveFrom.Before(u.EffectiveTo) {
			continue
		}
		if IsNoChange(current, u) {
			continue
		}
		if OverlapsCurrent(current, u) {
			overlappingUpdates = append(overlappingUpdates, u)
		} else {
			nonOverlapping = append(nonOverlapping, u)
		}
	}

	remaining := make([]*Record, 0, len(overlappingUpdates)+len(nonOverlapping))
	remaining = append(remaining, overlappingUpdates...)
	remaining = append(remaining, nonOverlapping...)

	for i := range current {
		if OverlapsUpdatesContextual(remaining, &current[i], current) {
			overlappingCurrent = append(overlappingCurrent, &current[i])
		}
	}
	return overlappingCurrent, overlappingUpdates, nonOverlapping
}
