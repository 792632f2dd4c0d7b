package cdc

// Dedupe keeps one change per entity title: the one with the highest
// sequence id. Titles are emitted in the order they were first seen, so a
// batch keeps a stable order when a hot entity is edited repeatedly.
func Dedupe(changes []Change) []Change {
	if len(changes) == 0 {
		return nil
	}
	index := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := index[c.Title]; ok {
			if c.SequenceID > out[i].SequenceID {
				out[i] = c
			}
			continue
		}
		index[c.Title] = len(out)
		out = append(out, c)
	}
	return out
}
