package cluster

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
)

// Neighbor precomputation only pays off once a level is large enough to
// amortize the goroutine fan-out.
const parallelCutoff = 4096

// claimSet tracks which entities of a level have been absorbed during a
// build pass. Each flag is set exactly once; the CAS makes the single-claim
// invariant hold even when claims race.
type claimSet []uint32

func newClaimSet(n int) claimSet {
	return make(claimSet, n)
}

// claim marks entity i as taken and reports whether this caller won it.
func (c claimSet) claim(i int32) bool {
	return atomic.CompareAndSwapUint32(&c[i], 0, 1)
}

// taken reports whether entity i has already been absorbed.
func (c claimSet) taken(i int32) bool {
	return atomic.LoadUint32(&c[i]) == 1
}

// buildTree constructs the full per-zoom hierarchy from the projected base
// points: the raw level sits at maxZoom+1, then each level down to minZoom
// is aggregated from the one above it.
func (sc *Supercluster) buildTree(base []KDPoint) *ClusterTree {
	opts := sc.Options
	start := time.Now()

	tree := newClusterTree(opts.MinZoom, opts.MaxZoom)
	tree.setLevel(opts.MaxZoom+1, base, opts.NodeSize)

	nextID := clusterIDSeed(len(base))
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		points := sc.clusterize(tree, z, &nextID)
		tree.setLevel(z, points, opts.NodeSize)
	}

	logs.WithTag("points", len(base)).
		WithTag("clusters", tree.NumClusters()).
		WithTag("levels", opts.MaxZoom-opts.MinZoom+2).
		WithTag("duration", time.Since(start).String()).
		Debug("cluster tree built")
	return tree
}

// clusterize builds the entity set for zoom z from the finished level at
// z+1. Entities are visited in ascending index order; the first claimant of
// a neighborhood becomes the seed of the new cluster, so the result is
// deterministic for a fixed input order and configuration.
func (sc *Supercluster) clusterize(tree *ClusterTree, zoom int, nextID *uint32) []KDPoint {
	opts := sc.Options
	prev := tree.levelAt(zoom + 1)
	r := opts.Radius / (opts.Extent * math.Pow(2, float64(zoom)))

	n := len(prev.points)
	claims := newClaimSet(n)
	neighbors := sc.neighborLists(prev, r)

	result := make([]KDPoint, 0, n)
	var merged []int32
	for i := int32(0); i < int32(n); i++ {
		if !claims.claim(i) {
			continue
		}
		p := prev.points[i]

		var near []int32
		if neighbors != nil {
			near = neighbors[i]
		} else {
			near = prev.index.Within(p.X, p.Y, r)
		}

		merged = merged[:0]
		for _, j := range near {
			if j != i && !claims.taken(j) {
				merged = append(merged, j)
			}
		}

		// Too few entities in range: the entity survives unchanged into
		// this level. Its neighbors stay unclaimed so later seeds can
		// still carry or merge them.
		if len(merged)+1 < opts.MinPoints {
			result = append(result, p)
			continue
		}

		for _, j := range merged {
			claims.claim(j)
		}

		wx := p.X * float64(p.NumPoints)
		wy := p.Y * float64(p.NumPoints)
		numPoints := p.NumPoints

		var props map[string]interface{}
		if opts.Reduce != nil {
			props = clonedProps(sc.propsOf(p))
		}

		for _, j := range merged {
			q := prev.points[j]
			wx += q.X * float64(q.NumPoints)
			wy += q.Y * float64(q.NumPoints)
			numPoints += q.NumPoints
			if opts.Reduce != nil {
				opts.Reduce(props, sc.propsOf(q))
			}
		}

		id := *nextID
		*nextID++

		tree.registerCluster(id, zoom, int32(len(result)))
		result = append(result, KDPoint{
			X:         wx / float64(numPoints),
			Y:         wy / float64(numPoints),
			ID:        id,
			NumPoints: numPoints,
			Seed:      i,
			Origin:    p.Origin,
			Zoom:      uint8(zoom),
			Props:     props,
		})
	}
	return result
}

// neighborLists precomputes the radius query of every entity across the
// configured workers. Queries are pure reads of the finished index, so the
// fan-out does not affect the build result. Returns nil when the fan-out is
// not worth it; clusterize then queries inline.
func (sc *Supercluster) neighborLists(lvl *level, r float64) [][]int32 {
	workers := sc.Options.Workers
	n := len(lvl.points)
	if workers <= 1 || n < parallelCutoff {
		return nil
	}

	lists := make([][]int32, n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				p := lvl.points[i]
				lists[i] = lvl.index.Within(p.X, p.Y, r)
			}
		}(start, end)
	}
	wg.Wait()
	return lists
}

// propsOf resolves the payload an entity contributes to a reducer: the
// accumulated cluster payload if it has one, the original point payload
// otherwise.
func (sc *Supercluster) propsOf(p KDPoint) map[string]interface{} {
	if p.Props != nil {
		return p.Props
	}
	if p.Origin >= 0 && int(p.Origin) < len(sc.Points) {
		return sc.Points[p.Origin].Properties
	}
	return nil
}

func clonedProps(props map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(props))
	for k, v := range props {
		clone[k] = v
	}
	return clone
}

// clusterIDSeed returns the first cluster id: the next power of ten above
// the input size, so cluster ids never collide with point indexes.
func clusterIDSeed(n int) uint32 {
	if n == 0 {
		return 1
	}
	return uint32(math.Pow(10, math.Floor(math.Log10(float64(n)))+1))
}
