package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchesCoverInputInOrder(t *testing.T) {
	for _, size := range []int{1, 2, 7, 100, 101} {
		for _, n := range []int{0, 1, 6, 7, 8, 99, 100, 101, 250} {
			ids := sequentialIDs("sir", n)

			var joined []string
			batches := 0
			for batch := range Batches(ids, size) {
				require.NotEmpty(t, batch)
				require.LessOrEqual(t, len(batch), size)
				joined = append(joined, batch...)
				batches++
			}

			assert.Equal(t, BatchCount(n, size), batches, "n=%d size=%d", n, size)
			assert.Equal(t, (n+size-1)/size, batches, "n=%d size=%d", n, size)
			if n == 0 {
				assert.Empty(t, joined)
				continue
			}
			assert.Equal(t, ids, joined, "n=%d size=%d", n, size)
		}
	}
}

func TestBatchesAreLazy(t *testing.T) {
	ids := sequentialIDs("sir", 250)
	seen := 0
	for batch := range Batches(ids, 100) {
		seen++
		assert.Equal(t, "sir-0000", batch[0])
		break
	}
	assert.Equal(t, 1, seen)
}

func TestBatchAppendDoesNotClobberInput(t *testing.T) {
	ids := sequentialIDs("sir", 4)
	for batch := range Batches(ids, 2) {
		_ = append(batch, "extra")
	}
	assert.Equal(t, sequentialIDs("sir", 4), ids)
}

func TestBatchCountDegenerate(t *testing.T) {
	assert.Zero(t, BatchCount(0, 100))
	assert.Zero(t, BatchCount(10, 0))
	assert.Equal(t, 3, BatchCount(250, 100))
}
