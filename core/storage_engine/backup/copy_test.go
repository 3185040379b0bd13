package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	big := bytes.Repeat([]byte("gojo"), chunkSize/2)
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.tbl"), big, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.log"), []byte("log"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))

	dst := filepath.Join(t.TempDir(), "copy")
	files, err := CopyDir(context.Background(), src, dst, NewLimiter(64*chunkSize))
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "a.log", files[0].Name)
	require.Equal(t, int64(len(big)), files[1].Bytes)

	got, err := os.ReadFile(filepath.Join(dst, "b.tbl"))
	require.NoError(t, err)
	require.Equal(t, big, got)
	require.NoError(t, Verify(dst, files))

	require.NoError(t, os.WriteFile(filepath.Join(dst, "a.log"), []byte("LOG"), 0o644))
	require.Error(t, Verify(dst, files))

	_, err = CopyDir(context.Background(), src, dst, nil)
	require.Error(t, err)
}

func TestCopyThrottled_CanceledContext(t *testing.T) {
	src := filepath.Join(t.TempDir(), "x.tbl")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{1}, 3*chunkSize), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(t.TempDir(), "y.tbl"), NewLimiter(chunkSize))
	require.Error(t, err)
}
