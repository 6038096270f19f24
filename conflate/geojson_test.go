package conflate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const footprintsJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "way/1", "properties": {"osm_id": 101},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
    {"type": "Feature", "properties": {"osm_id": "102"},
     "geometry": {"type": "MultiPolygon", "coordinates": [[[[20,0],[30,0],[30,10],[20,10],[20,0]]]]}}
  ]
}`

func writeFootprints(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "footprints.geojson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFootprints(t *testing.T) {
	path := writeFootprints(t, footprintsJSON)

	d, err := LoadFootprints(path, "osm", "", identityProjector{}, DefaultCRS)
	require.NoError(t, err)
	assert.Equal(t, "osm", d.Name)
	assert.Equal(t, DefaultCRS, d.CRS)
	assert.Equal(t, []string{"way/1", "1"}, d.IDs(), "feature id, then position")
	assert.Equal(t, square(0, 0, 10), d.Buildings[0].Geometry)
	assert.IsType(t, orb.MultiPolygon{}, d.Buildings[1].Geometry)

	d, err = LoadFootprints(path, "osm", "osm_id", identityProjector{}, DefaultCRS)
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, d.IDs())
	assert.Equal(t, "101", d.Buildings[0].OriginalID)
}

func TestLoadFootprints_Errors(t *testing.T) {
	_, err := LoadFootprints(writeFootprints(t, footprintsJSON), "osm", "missing", identityProjector{}, DefaultCRS)
	assert.ErrorContains(t, err, "missing id property")

	point := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},
		"geometry":{"type":"Point","coordinates":[1,2]}}]}`
	_, err = LoadFootprints(writeFootprints(t, point), "osm", "", identityProjector{}, DefaultCRS)
	assert.ErrorContains(t, err, "unsupported geometry type Point")

	_, err = LoadFootprints(writeFootprints(t, "not json"), "osm", "", identityProjector{}, DefaultCRS)
	assert.Error(t, err)

	_, err = LoadFootprints(filepath.Join(t.TempDir(), "none.geojson"), "osm", "", identityProjector{}, DefaultCRS)
	assert.Error(t, err)
}

func TestFeatureCollection(t *testing.T) {
	buildings := []Building{
		{ID: "A-1", OriginalID: "1", Neighborhood: "n1", Geometry: square(0, 0, 10)},
		{ID: "2", OriginalID: "2", Neighborhood: "n1", Geometry: square(20, 0, 10)},
	}
	fc, err := FeatureCollection(buildings, identityProjector{}, map[string]any{"dataset": "existing"})
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	f := fc.Features[0]
	assert.Equal(t, "A-1", f.ID)
	assert.Equal(t, "A-1", f.Properties["id"])
	assert.Equal(t, "1", f.Properties["original_id"])
	assert.Equal(t, "existing", f.Properties["dataset"])
	assert.NotContains(t, fc.Features[1].Properties, "original_id")
}
