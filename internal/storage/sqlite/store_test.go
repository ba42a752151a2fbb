package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/storage/storagetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docrag.db"))
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTest(t) })
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "docrag.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateDocument(ctx, storagetest.NewDocument("doc-1")))
	require.NoError(t, s.Close())

	// Migrations already applied must not run again.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1.txt", got.Filename)
	assert.Equal(t, path, s.Path())
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.4028235e38}
	assert.Equal(t, v, bytesToFloat32Slice(float32SliceToBytes(v)))
	assert.Nil(t, float32SliceToBytes(nil))
	assert.Nil(t, bytesToFloat32Slice(nil))
}

func TestCreateSession_UnknownDocument(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	defer s.Close()

	sess := &document.Session{ID: "s1", DocumentIDs: []string{"ghost"}, ContextWindow: 5}
	err := s.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The failed insert rolled back.
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
