package cluster

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/require"
)

func featureCollectionWithLine() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	a := geojson.NewFeature(orb.Point{0, 0})
	a.Properties = geojson.Properties{"name": "a"}
	fc.Append(a)

	fc.Append(geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}}))

	b := geojson.NewFeature(orb.Point{0.5, 0.5})
	b.Properties = geojson.Properties{"name": "b"}
	fc.Append(b)

	return fc
}

func TestLoadGeoJSON(t *testing.T) {
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [13.405, 52.52]}, "properties": {"name": "berlin"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [2.3522, 48.8566]}, "properties": {"name": "paris"}}
		]
	}`)

	sc, err := NewSupercluster(SuperclusterOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.LoadGeoJSON(data))

	nodes, err := sc.GetClusters(WorldBounds(), 16)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	names := map[interface{}]bool{}
	for _, n := range nodes {
		names[n.Props["name"]] = true
	}
	require.True(t, names["berlin"])
	require.True(t, names["paris"])
}

func TestLoadGeoJSONMalformed(t *testing.T) {
	sc, err := NewSupercluster(SuperclusterOptions{})
	require.NoError(t, err)

	err = sc.LoadGeoJSON([]byte(`{"type": "FeatureCollection"`))
	require.Error(t, err)
	require.True(t, IsMalformed(err))
}

func TestLoadGeoJSONDegradesMalformedProperties(t *testing.T) {
	// A non-object property payload keeps the feature with an empty
	// payload; it never fails the record, strict mode included.
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]}, "properties": {"name": "good"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [10, 10]}, "properties": 42},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [20, 20]}, "properties": "nope"}
		]
	}`)

	for _, strict := range []bool{false, true} {
		sc, err := NewSupercluster(SuperclusterOptions{Strict: strict})
		require.NoError(t, err)
		require.NoError(t, sc.LoadGeoJSON(data))

		nodes, err := sc.GetClusters(WorldBounds(), 16)
		require.NoError(t, err)
		require.Len(t, nodes, 3)

		for _, n := range nodes {
			if n.X == 0 {
				require.Equal(t, "good", n.Props["name"])
			} else {
				require.Empty(t, n.Props)
			}
		}
	}
}

func TestLoadGeoJSONSkipsBrokenGeometry(t *testing.T) {
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]}, "properties": {}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": "broken"}, "properties": 7}
		]
	}`)

	sc, err := NewSupercluster(SuperclusterOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.LoadGeoJSON(data))

	nodes, err := sc.GetClusters(WorldBounds(), 16)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	strict, err := NewSupercluster(SuperclusterOptions{Strict: true})
	require.NoError(t, err)
	err = strict.LoadGeoJSON(data)
	require.Error(t, err)
	require.True(t, IsMalformed(err))
}

func TestLoadFeaturesSkipsNonPoints(t *testing.T) {
	sc, err := NewSupercluster(SuperclusterOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.LoadFeatures(featureCollectionWithLine()))

	nodes, err := sc.GetClusters(WorldBounds(), 16)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestLoadFeaturesStrictRejectsNonPoints(t *testing.T) {
	sc, err := NewSupercluster(SuperclusterOptions{Strict: true})
	require.NoError(t, err)

	err = sc.LoadFeatures(featureCollectionWithLine())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrGeometryType)
}

func TestToGeoJSON(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	fc, err := sc.ToGeoJSON(WorldBounds(), 0)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	require.Equal(t, "Point", f.Geometry.GeoJSONType())
	require.Equal(t, true, f.Properties["cluster"])
	require.EqualValues(t, 2, f.Properties["point_count"])
	require.NotNil(t, f.Properties["cluster_id"])
	require.Equal(t, "a", f.Properties["name"])

	split, err := sc.ToGeoJSON(WorldBounds(), 10)
	require.NoError(t, err)
	require.Len(t, split.Features, 2)
	for _, f := range split.Features {
		require.Nil(t, f.Properties["cluster"])
	}
}
