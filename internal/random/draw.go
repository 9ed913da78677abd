package random

// Shuffle returns a uniformly random permutation of list using Fisher–Yates.
// The input slice is left untouched.
func Shuffle[T any](src Intn, list []T) []T {
	out := make([]T, len(list))
	copy(out, list)
	for i := len(out) - 1; i > 0; i-- {
		j := src.NextInt(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// DrawSingle picks one candidate uniformly. ok is false when there is nothing to draw.
func DrawSingle[T any](src Intn, candidates []T) (winner T, ok bool) {
	if len(candidates) == 0 {
		return winner, false
	}
	return candidates[src.NextInt(len(candidates))], true
}

// DrawBatch picks min(count, len(candidates)) distinct candidates, in selection order.
func DrawBatch[T any](src Intn, candidates []T, count int) []T {
	if count <= 0 || len(candidates) == 0 {
		return []T{}
	}
	if count > len(candidates) {
		count = len(candidates)
	}
	return Shuffle(src, candidates)[:count]
}
