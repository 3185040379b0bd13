package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPool_VictimScanIsCircular checks that replacement follows the clock
// hand rather than the order frames were released in.
func TestPool_VictimScanIsCircular(t *testing.T) {
	_, fm, lm := setupManager(t, testConfig(3))
	p := newPool(3, fm, lm)

	bufs := make([]*Buffer, 3)
	for i := range bufs {
		buf, err := p.pin(blk(int64(i)))
		require.NoError(t, err)
		require.Same(t, p.frames[i], buf)
		bufs[i] = buf
	}
	// frame 2 is released first, so it has been idle longest
	p.unpin(bufs[2])
	p.unpin(bufs[1])
	p.unpin(bufs[0])

	buf, err := p.pin(blk(3))
	require.NoError(t, err)
	require.Same(t, p.frames[0], buf)

	buf, err = p.pin(blk(4))
	require.NoError(t, err)
	require.Same(t, p.frames[1], buf)

	// the hand moves on to frame 2, then wraps to the frame freed behind it
	p.unpin(p.frames[0])
	buf, err = p.pin(blk(5))
	require.NoError(t, err)
	require.Same(t, p.frames[2], buf)

	buf, err = p.pin(blk(6))
	require.NoError(t, err)
	require.Same(t, p.frames[0], buf)

	full, err := p.pin(blk(7))
	require.NoError(t, err)
	require.Nil(t, full)
	require.Zero(t, p.available())
}
