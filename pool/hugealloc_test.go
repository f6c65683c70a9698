package pool

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/stretchr/testify/require"
)

func TestClassFor(t *testing.T) {
	cases := []struct{ size, class int }{
		{1, 0},
		{4096, 0},
		{4097, 1},
		{8192, 1},
		{1 << 20, 8},
		{1 << 26, numClasses - 1},
	}
	for _, c := range cases {
		if got := classFor(c.size); got != c.class {
			t.Errorf("classFor(%d) = %d, want %d", c.size, got, c.class)
		}
	}
	if classFor(1<<26+1) != -1 {
		t.Error("oversized request must map to no class")
	}
}

func TestAllocFreeReuse(t *testing.T) {
	a := New(-1, nil, nil)
	defer a.Destroy()

	r1, err := a.Alloc(5000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(r1.Buf), 5000)

	a.Free(r1)
	r2, err := a.Alloc(5000)
	require.NoError(t, err)
	// Freelist is LIFO: the same region comes back.
	require.Equal(t, &r1.Buf[0], &r2.Buf[0])
}

func TestAllocRegistersSlabs(t *testing.T) {
	regs := 0
	regMr := func(buf []byte) (api.MemRegInfo, error) {
		regs++
		return api.MemRegInfo{Lkey: uint32(regs)}, nil
	}
	deregs := 0
	deregMr := func(api.MemRegInfo) { deregs++ }

	a := New(0, regMr, deregMr)
	r, err := a.Alloc(64 * 1024)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.Reg.Lkey)

	// Same chunk serves the whole class; no extra registration.
	_, err = a.Alloc(64 * 1024)
	require.NoError(t, err)
	require.Equal(t, 1, regs)

	a.Destroy()
	require.Equal(t, regs, deregs)
}

func TestAllocOversized(t *testing.T) {
	a := New(-1, nil, nil)
	defer a.Destroy()
	_, err := a.Alloc(1 << 27)
	require.ErrorIs(t, err, api.ErrHugepageExhaustion)
}
