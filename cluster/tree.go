package cluster

import "math"

// pointZoom marks entities that are original input points rather than
// clusters built at some zoom level.
const pointZoom = math.MaxUint8

// KDPoint is one entity in the projected tile space: either an original
// point or a cluster. Entities are addressed by their index in a level's
// flat slice; Seed is the index of the entity one zoom level above that a
// cluster most directly subsumes.
type KDPoint struct {
	X, Y      float64
	ID        uint32
	NumPoints uint32
	Seed      int32 // index into the level above, -1 for original points
	Origin    int32 // index of the representative leaf in the source slice
	Zoom      uint8 // creation zoom for clusters, pointZoom for originals
	Props     map[string]interface{}
}

// IsCluster reports whether the entity aggregates more than one leaf.
func (p KDPoint) IsCluster() bool {
	return p.Seed >= 0
}

type level struct {
	points []KDPoint
	index  *KDTree
}

type treePos struct {
	zoom int
	idx  int32
}

// ClusterTree holds one indexed entity set per zoom level: levels minZoom
// through maxZoom, plus the raw input points one level above maxZoom.
// Carried-over entities are copied by value between levels; their identity
// is the ID field. The tree is immutable once built.
type ClusterTree struct {
	minZoom int
	maxZoom int
	levels  []level
	origins map[uint32]treePos // cluster id -> position at its creation level
}

func newClusterTree(minZoom, maxZoom int) *ClusterTree {
	return &ClusterTree{
		minZoom: minZoom,
		maxZoom: maxZoom,
		levels:  make([]level, maxZoom-minZoom+2),
		origins: make(map[uint32]treePos),
	}
}

// levelAt clamps zoom into [minZoom, maxZoom+1] and returns that level.
func (t *ClusterTree) levelAt(zoom int) *level {
	if zoom < t.minZoom {
		zoom = t.minZoom
	}
	if zoom > t.maxZoom+1 {
		zoom = t.maxZoom + 1
	}
	return &t.levels[zoom-t.minZoom]
}

func (t *ClusterTree) setLevel(zoom int, points []KDPoint, nodeSize int) {
	t.levels[zoom-t.minZoom] = level{
		points: points,
		index:  NewKDTree(points, nodeSize),
	}
}

func (t *ClusterTree) registerCluster(id uint32, zoom int, idx int32) {
	t.origins[id] = treePos{zoom: zoom, idx: idx}
}

func (t *ClusterTree) origin(id uint32) (treePos, bool) {
	pos, ok := t.origins[id]
	return pos, ok
}

// NumClusters returns the number of aggregate entities in the whole tree.
func (t *ClusterTree) NumClusters() int {
	return len(t.origins)
}

// rebuildOrigins restores the id lookup after a tree has been deserialized.
// A cluster's creation level is the level matching its Zoom field; copies
// carried into coarser levels keep that Zoom and are skipped.
func (t *ClusterTree) rebuildOrigins() {
	t.origins = make(map[uint32]treePos)
	for z := t.maxZoom; z >= t.minZoom; z-- {
		for i, p := range t.levelAt(z).points {
			if p.IsCluster() && int(p.Zoom) == z {
				t.origins[p.ID] = treePos{zoom: z, idx: int32(i)}
			}
		}
	}
}
