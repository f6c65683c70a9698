package cc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const gbps10 = 1.25e9 // bytes/sec

func TestTimelyStartsAtLineRate(t *testing.T) {
	tm := NewTimely(DefaultParams(gbps10), 0)
	require.Equal(t, gbps10, tm.Rate())
}

func TestTimelyLowDelayHoldsLineRate(t *testing.T) {
	tm := NewTimely(DefaultParams(gbps10), 0)
	for i := 0; i < 50; i++ {
		tm.UpdateRate(10 * 1000) // 10 us, below TLow
	}
	require.Equal(t, gbps10, tm.Rate(), "additive increase is clamped at the link rate")
}

func TestTimelyHighDelayBacksOff(t *testing.T) {
	tm := NewTimely(DefaultParams(gbps10), 0)
	for i := 0; i < 10; i++ {
		tm.UpdateRate(5 * 1000 * 1000) // 5 ms, above THigh
	}
	require.Less(t, tm.Rate(), gbps10/2)
	require.GreaterOrEqual(t, tm.Rate(), DefaultParams(gbps10).MinRate)
}

func TestTimelyGradientRecovery(t *testing.T) {
	p := DefaultParams(gbps10)
	tm := NewTimely(p, 0)
	// Push the rate down with rising in-band RTTs.
	for rtt := 100e3; rtt < 900e3; rtt += 100e3 {
		tm.UpdateRate(rtt)
	}
	low := tm.Rate()
	require.Less(t, low, gbps10)
	// Falling RTTs recover the rate.
	for rtt := 900e3; rtt > 100e3; rtt -= 100e3 {
		tm.UpdateRate(rtt)
	}
	for i := 0; i < 200; i++ {
		tm.UpdateRate(100e3)
	}
	require.Greater(t, tm.Rate(), low)
}

func TestTimelyPacingDelay(t *testing.T) {
	tm := NewTimely(DefaultParams(gbps10), 0)
	// 1250 bytes at 1.25 GB/s = 1 us.
	require.Equal(t, uint64(1000), tm.PacingDelay(1250))
}
