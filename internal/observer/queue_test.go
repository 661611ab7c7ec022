package observer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradewarden/internal/domain"
)

func qrec(symbol string) domain.TradeRecord {
	return domain.TradeRecord{StrategyID: "alpha", Symbol: symbol}
}

func TestQueuePushDrainOrder(t *testing.T) {
	q := NewRecordQueue(8)

	for i := 0; i < 3; i++ {
		evicted := q.Push(qrec(fmt.Sprintf("SYM-%d", i)))
		assert.False(t, evicted)
	}
	assert.Equal(t, 3, q.Len())

	out := q.Drain()
	assert.Len(t, out, 3)
	assert.Equal(t, "SYM-0", out[0].Symbol)
	assert.Equal(t, "SYM-2", out[2].Symbol)
	assert.Zero(t, q.Len())
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewRecordQueue(2)

	assert.False(t, q.Push(qrec("A")))
	assert.False(t, q.Push(qrec("B")))
	assert.True(t, q.Push(qrec("C")), "push past capacity must evict")

	out := q.Drain()
	assert.Len(t, out, 2)
	assert.Equal(t, "B", out[0].Symbol)
	assert.Equal(t, "C", out[1].Symbol)
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueueDrainWhenEmpty(t *testing.T) {
	q := NewRecordQueue(4)
	assert.Empty(t, q.Drain())
}
