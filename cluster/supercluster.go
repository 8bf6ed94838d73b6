package cluster

import (
	"math"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// Point is one input record: geographic coordinates, a caller-owned id and
// an opaque property payload. Points are immutable once loaded.
type Point struct {
	ID         uint32
	Lng, Lat   float64
	Properties map[string]interface{}
}

// KDBounds is a geographic bounding box: MinX/MaxX are longitudes,
// MinY/MaxY latitudes. MinX > MaxX means the box crosses the antimeridian.
type KDBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extend expands bounds to include another coordinate.
func (b *KDBounds) Extend(x, y float64) {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
}

// WorldBounds covers the whole globe.
func WorldBounds() KDBounds {
	return KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
}

// ClusterNode is one visible entity returned by a bounding-box query.
// X/Y are longitude/latitude: a cluster reports its unprojected centroid,
// a bare point its original coordinates.
type ClusterNode struct {
	ID        uint32
	X, Y      float64
	Count     uint32
	IsCluster bool
	Props     map[string]interface{}
}

// Supercluster builds and queries a multi-zoom cluster hierarchy. Build it
// with NewSupercluster, feed it once with Load, then query it from as many
// goroutines as needed: the finished tree is read-only.
type Supercluster struct {
	Options SuperclusterOptions
	Tree    *ClusterTree
	Points  []Point
}

// NewSupercluster validates the options and returns a new engine. Zero
// option fields take defaults; invalid zoom bounds or MinPoints are
// rejected.
func NewSupercluster(options SuperclusterOptions) (*Supercluster, error) {
	options.setDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}
	return &Supercluster{Options: options}, nil
}

// Load consumes the input points and eagerly builds the full tree,
// replacing any previously loaded data. Records with malformed coordinates
// fail the whole load in strict mode and are skipped otherwise. A nil
// property payload is kept as-is; payload semantics belong to the caller.
func (sc *Supercluster) Load(points []Point) error {
	loaded := make([]Point, 0, len(points))
	skipped := 0
	for i, p := range points {
		if err := validateCoordinates(p.Lng, p.Lat); err != nil {
			if sc.Options.Strict {
				return errors.New("loading points failed").
					WithTag("index", i).
					Wrap(err)
			}
			skipped++
			continue
		}
		loaded = append(loaded, p)
	}
	if skipped > 0 {
		logs.WithTag("skipped", skipped).Warn("dropped malformed points")
	}

	base := make([]KDPoint, len(loaded))
	for i, p := range loaded {
		x, y := Project(p.Lng, p.Lat)
		base[i] = KDPoint{
			X:         x,
			Y:         y,
			ID:        p.ID,
			NumPoints: 1,
			Seed:      -1,
			Origin:    int32(i),
			Zoom:      pointZoom,
		}
	}

	sc.Points = loaded
	sc.Tree = sc.buildTree(base)
	return nil
}

// GetClusters returns the entities visible in the bounding box at the given
// zoom level, in index-traversal order. Zoom is clamped into
// [MinZoom, MaxZoom]. A box with MinX > MaxX crosses the antimeridian and
// is answered as the union of its two halves.
func (sc *Supercluster) GetClusters(bounds KDBounds, zoom int) ([]ClusterNode, error) {
	if sc.Tree == nil {
		return nil, ErrNotLoaded
	}

	start := time.Now()
	lvl := sc.Tree.levelAt(sc.limitZoom(zoom))

	var ids []int32
	if bounds.MinX > bounds.MaxX {
		east := KDBounds{MinX: bounds.MinX, MinY: bounds.MinY, MaxX: 180, MaxY: bounds.MaxY}
		west := KDBounds{MinX: -180, MinY: bounds.MinY, MaxX: bounds.MaxX, MaxY: bounds.MaxY}
		ids = append(rangeLevel(lvl, east), rangeLevel(lvl, west)...)
	} else {
		ids = rangeLevel(lvl, bounds)
	}

	result := make([]ClusterNode, len(ids))
	for i, id := range ids {
		result[i] = sc.nodeAt(lvl.points[id])
	}

	logs.WithTag("zoom", zoom).
		WithTag("entities", len(result)).
		WithTag("duration", time.Since(start).String()).
		Debug("bounding box query answered")
	return result, nil
}

// GetClusterExpansionZoom returns the zoom level at which the given cluster
// first splits into more than one visible entity. Walks expansion pointers
// upward from the cluster's creation level; the result never exceeds
// MaxZoom.
func (sc *Supercluster) GetClusterExpansionZoom(clusterID uint32) (int, error) {
	if sc.Tree == nil {
		return 0, ErrNotLoaded
	}
	pos, ok := sc.Tree.origin(clusterID)
	if !ok {
		return 0, errors.New("expansion zoom lookup failed").
			WithTag("cluster_id", clusterID).
			Wrap(ErrClusterNotFound)
	}

	cur := sc.Tree.levelAt(pos.zoom).points[pos.idx]
	zoom := int(cur.Zoom)
	for zoom < sc.Options.MaxZoom {
		seed := sc.Tree.levelAt(zoom + 1).points[cur.Seed]
		zoom++
		if !seed.IsCluster() {
			return zoom, nil
		}
		if seed.ID != cur.ID && seed.NumPoints < cur.NumPoints {
			return zoom, nil
		}
		cur = seed
	}
	return sc.Options.MaxZoom, nil
}

func (sc *Supercluster) limitZoom(zoom int) int {
	if zoom < sc.Options.MinZoom {
		return sc.Options.MinZoom
	}
	if zoom > sc.Options.MaxZoom {
		return sc.Options.MaxZoom
	}
	return zoom
}

// nodeAt converts a tree entity into its public projection.
func (sc *Supercluster) nodeAt(p KDPoint) ClusterNode {
	if !p.IsCluster() {
		orig := sc.Points[p.Origin]
		return ClusterNode{
			ID:    orig.ID,
			X:     orig.Lng,
			Y:     orig.Lat,
			Count: 1,
			Props: orig.Properties,
		}
	}

	lng, lat := Unproject(p.X, p.Y)
	return ClusterNode{
		ID:        p.ID,
		X:         lng,
		Y:         lat,
		Count:     p.NumPoints,
		IsCluster: true,
		Props:     sc.propsOf(p),
	}
}

func rangeLevel(lvl *level, bounds KDBounds) []int32 {
	// North is y=0 in tile space, so the box's top edge is MaxY.
	minX, minY := Project(bounds.MinX, bounds.MaxY)
	maxX, maxY := Project(bounds.MaxX, bounds.MinY)
	return lvl.index.Range(minX, minY, maxX, maxY)
}

func validateCoordinates(lng, lat float64) error {
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return errors.New("longitude out of range").
			WithTag("lng", lng).
			Wrap(ErrMalformedPoint)
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return errors.New("latitude out of range").
			WithTag("lat", lat).
			Wrap(ErrMalformedPoint)
	}
	return nil
}
