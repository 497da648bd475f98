package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bisync/internal/fs"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}
	for _, driver := range []string{"bolt", "sqlite"} {
		s, err := Open(driver, filepath.Join(dir, driver+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores[driver] = s
	}
	return stores
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get("nope")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ApplyPutAndDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Apply([]Update{
				Put(&FileState{RelPath: "a.txt", FileSize: 3, LocalHash: "l1", RemoteHash: "r1"}),
				Put(&FileState{RelPath: "docs", Kind: fs.KindDirectory}),
			}))

			got, err := s.Get("a.txt")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "l1", got.LocalHash)
			assert.Equal(t, "r1", got.RemoteHash)
			assert.NotZero(t, got.LastSyncTime)

			all, err := s.ListAll()
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.True(t, all["docs"].IsDir())

			require.NoError(t, s.Apply([]Update{Forget("a.txt")}))
			got, err = s.Get("a.txt")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ApplyUsesUpdatePath(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			// a rename moves the record: the key wins over the embedded path
			require.NoError(t, s.Apply([]Update{
				{Path: "new/a.txt", State: &FileState{RelPath: "old/a.txt", LocalHash: "x"}},
			}))
			got, err := s.Get("new/a.txt")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "new/a.txt", got.RelPath)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}
