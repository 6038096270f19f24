package conflate

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatePairs_SaveLoad(t *testing.T) {
	c := testPairs(t)
	c.Pairs[0].Match = true
	c.DatasetB.Buildings[1].Geometry = orb.MultiPolygon{square(160, 0, 10), square(180, 0, 5)}
	c.DatasetA.Buildings[2].OriginalID = "way/42"

	path := filepath.Join(t.TempDir(), "nested", "berlin.db")
	require.NoError(t, c.Save(path))

	got, err := LoadCandidatePairs(path)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got, cmpopts.IgnoreUnexported(Dataset{})); diff != "" {
		t.Errorf("container mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.DatasetA.Has("e3"), "index is rebuilt")

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCandidatePairs_SaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	c := testPairs(t)
	require.NoError(t, c.Save(path))

	c.Pairs = c.Pairs[:1]
	require.NoError(t, c.Save(path))

	got, err := LoadCandidatePairs(path)
	require.NoError(t, err)
	assert.Len(t, got.Pairs, 1)
}

func TestLoadCandidatePairs_Missing(t *testing.T) {
	_, err := LoadCandidatePairs(filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// ----------------------------------------------------------------------------
// Read path does not migrate
// ----------------------------------------------------------------------------

func tableNames(t *testing.T, path string) []string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestLoadCandidatePairs_SchemaMismatch(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, path string)
	}{
		{
			name: "foreign sqlite file",
			setup: func(t *testing.T, path string) {
				db, err := sql.Open("sqlite", path)
				require.NoError(t, err)
				defer db.Close()
				_, err = db.Exec(`CREATE TABLE other (x INTEGER)`)
				require.NoError(t, err)
			},
		},
		{
			name: "newer schema",
			setup: func(t *testing.T, path string) {
				require.NoError(t, testPairs(t).Save(path))
				db, err := sql.Open("sqlite", path)
				require.NoError(t, err)
				defer db.Close()
				_, err = db.Exec(`UPDATE schema_migrations SET version = 99`)
				require.NoError(t, err)
			},
		},
		{
			name: "dirty schema",
			setup: func(t *testing.T, path string) {
				require.NoError(t, testPairs(t).Save(path))
				db, err := sql.Open("sqlite", path)
				require.NoError(t, err)
				defer db.Close()
				_, err = db.Exec(`UPDATE schema_migrations SET dirty = 1`)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.db")
			tt.setup(t, path)
			before := tableNames(t, path)
			beforeBytes, err := os.ReadFile(path)
			require.NoError(t, err)

			_, err = LoadCandidatePairs(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWrongType)

			assert.Equal(t, before, tableNames(t, path), "loading must not create tables")
			afterBytes, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(beforeBytes, afterBytes), "loading must not rewrite the file")
		})
	}
}

func TestLoadCandidatePairs_LeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	require.NoError(t, testPairs(t).Save(path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = LoadCandidatePairs(path)
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after))
}
