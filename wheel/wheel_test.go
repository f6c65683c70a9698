package wheel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// 1 µs buckets, 4096 of them.
const (
	testWidthBits = 10
	testBuckets   = 4096
)

func collect(w *Wheel[int], now uint64) []int {
	var got []int
	w.Advance(now, func(v int) { got = append(got, v) })
	return got
}

func TestWheelOrdering(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 0, 64)
	// Spread insertions over distinct buckets, out of insertion order.
	require.NoError(t, w.Insert(3, 3<<testWidthBits))
	require.NoError(t, w.Insert(1, 1<<testWidthBits))
	require.NoError(t, w.Insert(2, 2<<testWidthBits))

	got := collect(w, 4<<testWidthBits)
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestWheelFIFOWithinBucket(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 0, 64)
	ts := uint64(5 << testWidthBits)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Insert(i, ts))
	}
	got := collect(w, ts)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestWheelPastInsertionDeliversNextTick(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 1<<20, 64)
	require.NoError(t, w.Insert(7, 0)) // in the past
	got := collect(w, 1<<20)
	require.Equal(t, []int{7}, got)
}

func TestWheelNotDueYet(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 0, 64)
	require.NoError(t, w.Insert(1, 100<<testWidthBits))
	require.Empty(t, collect(w, 50<<testWidthBits))
	require.Equal(t, 1, w.Len())
	require.Equal(t, []int{1}, collect(w, 100<<testWidthBits))
	require.Equal(t, 0, w.Len())
}

func TestWheelOverflow(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 0, 2)
	span := uint64(testBuckets) << testWidthBits

	require.NoError(t, w.Insert(1, span+1))
	require.NoError(t, w.Insert(2, span+2))
	// Cap reached: the third far-future insertion fails.
	require.Error(t, w.Insert(3, span+3))

	// Advancing reseats the overflow entries and delivers them.
	got := collect(w, 2*span)
	require.Equal(t, []int{1, 2}, got)
	require.Equal(t, 0, w.Len())
}

func TestWheelLongIdleCatchup(t *testing.T) {
	w := New[int](testWidthBits, testBuckets, 0, 64)
	require.NoError(t, w.Insert(1, 10<<testWidthBits))
	require.NoError(t, w.Insert(2, 20<<testWidthBits))
	span := uint64(testBuckets) << testWidthBits
	// Jump far beyond the span: both entries must still come out in
	// time order.
	got := collect(w, 10*span)
	require.Equal(t, []int{1, 2}, got)
}
