package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseRegistry(t *testing.T, r FileRegistry) {
	t.Helper()
	ctx := context.Background()

	require.Error(t, r.Put(ctx, FileRecord{Key: " ", Path: "/tmp/x"}))
	require.Error(t, r.Put(ctx, FileRecord{Key: "k"}))

	require.NoError(t, r.Put(ctx, FileRecord{Key: "200_b.txt", Name: "b.txt", Path: "/up/200_b.txt", Size: 3, UploadedAtMs: 200}))
	require.NoError(t, r.Put(ctx, FileRecord{Key: "100_a.txt", Name: "a.txt", Path: "/up/100_a.txt", Size: 1, UploadedAtMs: 100}))
	require.NoError(t, r.Put(ctx, FileRecord{Key: "100_0.txt", Path: "/up/100_0.txt", UploadedAtMs: 100}))

	rec, ok, err := r.Get(ctx, "100_a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, FileRecord{Key: "100_a.txt", Name: "a.txt", Path: "/up/100_a.txt", Size: 1, UploadedAtMs: 100}, rec)

	rec, ok, err = r.Get(ctx, "100_0.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100_0.txt", rec.Name, "name defaults to the key")

	_, ok, err = r.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	list, err := r.List(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(list))
	for _, rec := range list {
		keys = append(keys, rec.Key)
	}
	require.Equal(t, []string{"100_0.txt", "100_a.txt", "200_b.txt"}, keys)

	// put replaces
	require.NoError(t, r.Put(ctx, FileRecord{Key: "200_b.txt", Name: "b2.txt", Path: "/up/200_b.txt", UploadedAtMs: 200}))
	rec, _, err = r.Get(ctx, "200_b.txt")
	require.NoError(t, err)
	require.Equal(t, "b2.txt", rec.Name)

	require.NoError(t, r.Delete(ctx, "100_a.txt"))
	require.NoError(t, r.Delete(ctx, "100_a.txt"))
	_, ok, err = r.Get(ctx, "100_a.txt")
	require.NoError(t, err)
	require.False(t, ok)

	list, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestInMemoryFileRegistry(t *testing.T) {
	r := NewInMemoryFileRegistry()
	t.Cleanup(func() { _ = r.Close() })
	exerciseRegistry(t, r)
}

func TestSQLiteFileRegistry(t *testing.T) {
	dsn, err := SQLiteFileRegistryDSNForFile(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	r, err := NewSQLiteFileRegistry(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseRegistry(t, r)
}

func TestSQLiteFileRegistry_SurvivesReopen(t *testing.T) {
	dsn, err := SQLiteFileRegistryDSNForFile(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)

	r, err := NewSQLiteFileRegistry(dsn)
	require.NoError(t, err)
	require.NoError(t, r.Put(context.Background(), FileRecord{Key: "1_a.txt", Name: "a.txt", Path: "/up/1_a.txt"}))
	require.NoError(t, r.Close())

	r, err = NewSQLiteFileRegistry(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	rec, ok, err := r.Get(context.Background(), "1_a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a.txt", rec.Name)
	require.Positive(t, rec.UploadedAtMs)
}

func TestSQLiteFileRegistry_EmptyDSN(t *testing.T) {
	_, err := NewSQLiteFileRegistry("")
	require.Error(t, err)
	_, err = SQLiteFileRegistryDSNForFile("")
	require.Error(t, err)
}
