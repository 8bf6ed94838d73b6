package cluster

import (
	stdjson "encoding/json"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/encoding/json"
)

// LoadGeoJSON parses a GeoJSON FeatureCollection and loads its point
// features into the engine. Features are decoded one by one: a feature
// whose property payload cannot be decoded keeps its geometry and gets an
// empty payload, while a feature with broken geometry fails the load in
// strict mode and is skipped otherwise.
func (sc *Supercluster) LoadGeoJSON(data []byte) error {
	var doc struct {
		Features []stdjson.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.New("parsing feature collection failed").
			WithTag("parse_error", err.Error()).
			Wrap(ErrMalformedPoint)
	}

	fc := geojson.NewFeatureCollection()
	skipped := 0
	for i, raw := range doc.Features {
		f, err := decodeFeature(raw)
		if err != nil {
			if sc.Options.Strict {
				return errors.New("parsing feature failed").
					WithTag("index", i).
					WithTag("parse_error", err.Error()).
					Wrap(ErrMalformedPoint)
			}
			skipped++
			continue
		}
		fc.Append(f)
	}
	if skipped > 0 {
		logs.WithTag("skipped", skipped).Warn("dropped undecodable features")
	}
	return sc.LoadFeatures(fc)
}

// decodeFeature parses a single feature, degrading an undecodable property
// payload to an empty one instead of failing the record.
func decodeFeature(raw stdjson.RawMessage) (*geojson.Feature, error) {
	f, err := geojson.UnmarshalFeature(raw)
	if err == nil {
		return f, nil
	}

	var alt struct {
		Geometry *geojson.Geometry `json:"geometry"`
	}
	if err := json.Unmarshal(raw, &alt); err != nil || alt.Geometry == nil {
		return nil, errors.New("feature geometry is not decodable")
	}
	return geojson.NewFeature(alt.Geometry.Geometry()), nil
}

// LoadFeatures loads a feature collection. Only Point geometries are
// accepted: anything else fails the load in strict mode and is skipped
// otherwise. A missing or non-object property payload degrades to an empty
// payload instead of failing the record.
func (sc *Supercluster) LoadFeatures(fc *geojson.FeatureCollection) error {
	points := make([]Point, 0, len(fc.Features))
	skipped := 0
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			if sc.Options.Strict {
				return errors.New("feature geometry is not a point").
					WithTag("index", i).
					WithTag("geometry", geometryType(f.Geometry)).
					Wrap(ErrGeometryType)
			}
			skipped++
			continue
		}

		props := map[string]interface{}(f.Properties)
		if props == nil {
			props = map[string]interface{}{}
		}

		points = append(points, Point{
			ID:         uint32(i + 1),
			Lng:        pt.Lon(),
			Lat:        pt.Lat(),
			Properties: props,
		})
	}
	if skipped > 0 {
		logs.WithTag("skipped", skipped).Warn("dropped non-point features")
	}
	return sc.Load(points)
}

// ToGeoJSON answers a bounding-box query as a GeoJSON FeatureCollection.
// Cluster features always carry cluster, cluster_id and point_count next to
// their representative attributes.
func (sc *Supercluster) ToGeoJSON(bounds KDBounds, zoom int) (*geojson.FeatureCollection, error) {
	nodes, err := sc.GetClusters(bounds, zoom)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, node := range nodes {
		f := geojson.NewFeature(orb.Point{node.X, node.Y})
		for k, v := range node.Props {
			f.Properties[k] = v
		}
		if node.IsCluster {
			f.Properties["cluster"] = true
			f.Properties["cluster_id"] = node.ID
			f.Properties["point_count"] = node.Count
		}
		fc.Append(f)
	}
	return fc, nil
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "none"
	}
	return g.GeoJSONType()
}
