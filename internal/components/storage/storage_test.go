package storage

import (
	"context"
	"gstinvoice-backend/internal/components/telemetry"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemSave(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystem(root, telemetry.NewRecorder())
	require.NoError(t, err)

	ref, err := fs.Save(context.Background(), []byte("<html>invoice</html>"), "ABC123-INV1.html", "indigo")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "indigo", "ABC123-INV1.html"), ref)

	contents, err := os.ReadFile(ref)
	require.NoError(t, err)
	require.Equal(t, "<html>invoice</html>", string(contents))

	entries, err := os.ReadDir(filepath.Join(root, "indigo"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFilesystemSaveStaysInRoot(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystem(root, telemetry.NewRecorder())
	require.NoError(t, err)

	ref, err := fs.Save(context.Background(), []byte("x"), "../../escape.pdf", "../spicejet")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "spicejet", "escape.pdf"), ref)

	_, err = fs.Save(context.Background(), []byte("x"), "  ", "spicejet")
	require.ErrorContains(t, err, `filename "  "`)

	_, err = fs.Save(context.Background(), []byte("x"), "a.pdf", "/")
	require.ErrorContains(t, err, `vendor "/"`)
}

func TestFilesystemSaveCanceled(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir(), telemetry.NewRecorder())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fs.Save(ctx, []byte("x"), "a.pdf", "spicejet")
	require.ErrorIs(t, err, context.Canceled)
}
