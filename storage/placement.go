package storage

// ChooseBackend picks the first candidate, in priority order, whose usage
// is strictly below its capacity. When every candidate is full the last one
// takes the overflow; an upload is never rejected for lack of headroom. A
// capacity of zero or less means unlimited.
func ChooseBackend(candidates []string, usage map[string]int64, capacity map[string]int64) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoBackends
	}
	for _, name := range candidates {
		limit := capacity[name]
		if limit <= 0 || usage[name] < limit {
			return name, nil
		}
	}
	return candidates[len(candidates)-1], nil
}
