package poller

import (
	"iter"
	"slices"
)

// DefaultBatchSize is the largest id list sent in one describe or cancel call.
const DefaultBatchSize = 100

// Batches yields consecutive chunks of ids holding at most size elements each, in order.
// An empty input yields nothing. It panics if size is less than 1.
func Batches(ids []string, size int) iter.Seq[[]string] {
	return slices.Chunk(ids, size)
}

// BatchCount reports how many chunks Batches yields for n ids.
func BatchCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
