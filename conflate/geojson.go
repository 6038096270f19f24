package conflate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadFootprints reads a GeoJSON FeatureCollection of Polygon or MultiPolygon
// features in EPSG:4326 and projects them into the working CRS.
//
// The building ID comes from idProperty when set, else from the feature id, else
// from the feature position. OriginalID keeps that source value.
func LoadFootprints(path, name, idProperty string, projector Projector, crs string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading footprints: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing footprints %s: %w", path, err)
	}

	buildings := make([]Building, 0, len(fc.Features))
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		case nil:
			return nil, fmt.Errorf("feature %d: %w", i, ErrMissingGeometry)
		default:
			return nil, fmt.Errorf("feature %d: unsupported geometry type %s", i, f.Geometry.GeoJSONType())
		}

		id, err := featureID(f, idProperty, i)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		g, err := ProjectGeometry(f.Geometry, projector)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		buildings = append(buildings, Building{ID: id, OriginalID: id, Geometry: g})
	}
	return NewDataset(name, crs, buildings), nil
}

func featureID(f *geojson.Feature, idProperty string, pos int) (string, error) {
	if idProperty != "" {
		v, ok := f.Properties[idProperty]
		if !ok {
			return "", fmt.Errorf("missing id property %q", idProperty)
		}
		return formatID(v), nil
	}
	if f.ID != nil {
		return formatID(f.ID), nil
	}
	return strconv.Itoa(pos), nil
}

func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	}
	return fmt.Sprint(v)
}

// FeatureCollection converts buildings to GeoJSON in (lng, lat) for display.
// Extra properties are merged into every feature.
func FeatureCollection(buildings []Building, projector Projector, extra map[string]any) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, b := range buildings {
		g, err := UnprojectGeometry(b.Geometry, projector)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", b.ID, err)
		}
		f := geojson.NewFeature(g)
		f.ID = b.ID
		f.Properties["id"] = b.ID
		f.Properties["neighborhood"] = b.Neighborhood
		if b.OriginalID != "" && b.OriginalID != b.ID {
			f.Properties["original_id"] = b.OriginalID
		}
		for k, v := range extra {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc, nil
}
