package cluster

import (
	"errors"
	"reflect"
	"testing"
)

// Two points half a degree apart: their projected distance sits between the
// merge radius at zoom 5 and zoom 6, so they collapse into one cluster at
// zooms 0-5 and split at zoom 6.
func twoPointInput() []Point {
	return []Point{
		{ID: 1, Lng: 0, Lat: 0, Properties: map[string]interface{}{"name": "a"}},
		{ID: 2, Lng: 0.5, Lat: 0.5, Properties: map[string]interface{}{"name": "b"}},
	}
}

func newLoadedCluster(t *testing.T, options SuperclusterOptions, points []Point) *Supercluster {
	t.Helper()
	sc, err := NewSupercluster(options)
	if err != nil {
		t.Fatalf("NewSupercluster failed: %v", err)
	}
	if err := sc.Load(points); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return sc
}

func TestTwoPointsMergeAtLowZoom(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	nodes, err := sc.GetClusters(WorldBounds(), 0)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 entity at zoom 0, got %d", len(nodes))
	}
	if !nodes[0].IsCluster {
		t.Error("Expected the single entity to be a cluster")
	}
	if nodes[0].Count != 2 {
		t.Errorf("Expected cluster count 2, got %d", nodes[0].Count)
	}

	// Centroid must sit between the two inputs.
	if nodes[0].X <= 0 || nodes[0].X >= 0.5 {
		t.Errorf("Expected centroid longitude in (0, 0.5), got %f", nodes[0].X)
	}
	if nodes[0].Y <= 0 || nodes[0].Y >= 0.5 {
		t.Errorf("Expected centroid latitude in (0, 0.5), got %f", nodes[0].Y)
	}
}

func TestTwoPointsSplitAtHighZoom(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	nodes, err := sc.GetClusters(WorldBounds(), 6)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 entities at zoom 6, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.IsCluster {
			t.Errorf("Expected bare point, got cluster %d", n.ID)
		}
		if n.Count != 1 {
			t.Errorf("Expected count 1, got %d", n.Count)
		}
	}
}

func TestExpansionZoom(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	nodes, err := sc.GetClusters(WorldBounds(), 0)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 || !nodes[0].IsCluster {
		t.Fatalf("Expected a single cluster at zoom 0, got %+v", nodes)
	}

	zoom, err := sc.GetClusterExpansionZoom(nodes[0].ID)
	if err != nil {
		t.Fatalf("GetClusterExpansionZoom failed: %v", err)
	}
	if zoom != 6 {
		t.Errorf("Expected expansion zoom 6, got %d", zoom)
	}
}

func TestExpansionZoomClampedAtMaxZoom(t *testing.T) {
	// Identical coordinates never split, so the walk runs out at MaxZoom.
	points := []Point{
		{ID: 1, Lng: 10, Lat: 10},
		{ID: 2, Lng: 10, Lat: 10},
	}
	sc := newLoadedCluster(t, SuperclusterOptions{}, points)

	nodes, err := sc.GetClusters(WorldBounds(), sc.Options.MaxZoom)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 || !nodes[0].IsCluster {
		t.Fatalf("Expected a single cluster at max zoom, got %+v", nodes)
	}

	zoom, err := sc.GetClusterExpansionZoom(nodes[0].ID)
	if err != nil {
		t.Fatalf("GetClusterExpansionZoom failed: %v", err)
	}
	if zoom != sc.Options.MaxZoom {
		t.Errorf("Expected expansion zoom clamped to %d, got %d", sc.Options.MaxZoom, zoom)
	}
}

func TestExpansionZoomUnknownCluster(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	if _, err := sc.GetClusterExpansionZoom(999999); !IsNotFound(err) {
		t.Errorf("Expected a not-found error, got %v", err)
	}
}

func TestSinglePointNeverClusters(t *testing.T) {
	points := []Point{{ID: 7, Lng: -73.97, Lat: 40.78, Properties: map[string]interface{}{"name": "solo"}}}
	sc := newLoadedCluster(t, SuperclusterOptions{}, points)

	for _, zoom := range []int{0, 8, 16} {
		nodes, err := sc.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		if len(nodes) != 1 {
			t.Fatalf("Expected 1 entity at zoom %d, got %d", zoom, len(nodes))
		}
		n := nodes[0]
		if n.IsCluster {
			t.Errorf("Expected a bare point at zoom %d", zoom)
		}
		if n.ID != 7 || n.X != -73.97 || n.Y != 40.78 {
			t.Errorf("Expected original point back, got %+v", n)
		}
		if n.Props["name"] != "solo" {
			t.Errorf("Expected original properties back, got %v", n.Props)
		}
	}
}

func TestMinPointsKeepsSparseEntitiesApart(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{MinPoints: 3}, twoPointInput())

	// Two entities in range is below the threshold of 3, so nothing merges
	// anywhere.
	for _, zoom := range []int{0, 5, 16} {
		nodes, err := sc.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		if len(nodes) != 2 {
			t.Errorf("Expected 2 bare points at zoom %d, got %d entities", zoom, len(nodes))
		}
	}
}

func TestSubThresholdNeighborsAreNotLost(t *testing.T) {
	// The seed finds a neighbor inside the radius but cannot reach
	// MinPoints. The neighbor must survive onto the built level instead of
	// being absorbed by a cluster that never formed.
	points := []Point{
		{ID: 1, Lng: 0, Lat: 0},
		{ID: 2, Lng: 0.0001, Lat: 0.0001},
	}
	sc := newLoadedCluster(t, SuperclusterOptions{MinPoints: 3}, points)

	for zoom := sc.Options.MinZoom; zoom <= sc.Options.MaxZoom; zoom++ {
		nodes, err := sc.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		if len(nodes) != 2 {
			t.Fatalf("Expected 2 bare points at zoom %d, got %d entities", zoom, len(nodes))
		}
		for _, n := range nodes {
			if n.IsCluster || n.Count != 1 {
				t.Errorf("Expected bare point at zoom %d, got %+v", zoom, n)
			}
		}
	}
}

func TestHighMinPointsReturnsAllOriginals(t *testing.T) {
	points := GenerateTestPoints(500, KDBounds{MinX: -125, MinY: 25, MaxX: -65, MaxY: 49}, 42)
	sc := newLoadedCluster(t, SuperclusterOptions{MinPoints: 1000}, points)

	nodes, err := sc.GetClusters(WorldBounds(), sc.Options.MaxZoom)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != len(points) {
		t.Fatalf("Expected all %d points back, got %d", len(points), len(nodes))
	}
}

func TestEntityCountsMonotonicAcrossZooms(t *testing.T) {
	points := GenerateTestPoints(2000, KDBounds{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}, 1)
	sc := newLoadedCluster(t, SuperclusterOptions{}, points)

	prev := 0
	totalAtZoom := func(zoom int) int {
		nodes, err := sc.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		total := 0
		for _, n := range nodes {
			total += int(n.Count)
		}
		if total != len(points) {
			t.Errorf("Expected %d leaves accounted for at zoom %d, got %d", len(points), zoom, total)
		}
		return len(nodes)
	}

	for zoom := 0; zoom <= sc.Options.MaxZoom; zoom++ {
		n := totalAtZoom(zoom)
		if n < prev {
			t.Errorf("Entity count shrank from %d to %d between zoom %d and %d", prev, n, zoom-1, zoom)
		}
		prev = n
	}
}

func TestAntimeridianQuery(t *testing.T) {
	points := []Point{
		{ID: 1, Lng: 179.9, Lat: 0},
		{ID: 2, Lng: -179.9, Lat: 0},
		{ID: 3, Lng: 0, Lat: 0},
	}
	sc := newLoadedCluster(t, SuperclusterOptions{}, points)

	bounds := KDBounds{MinX: 170, MinY: -10, MaxX: -170, MaxY: 10}
	nodes, err := sc.GetClusters(bounds, 16)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}

	seen := make(map[uint32]int)
	for _, n := range nodes {
		seen[n.ID]++
	}
	if len(nodes) != 2 || seen[1] != 1 || seen[2] != 1 {
		t.Errorf("Expected exactly points 1 and 2 once each, got %+v", nodes)
	}
}

func TestQueryZoomClamped(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	low, err := sc.GetClusters(WorldBounds(), -5)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	atMin, _ := sc.GetClusters(WorldBounds(), sc.Options.MinZoom)
	if !reflect.DeepEqual(low, atMin) {
		t.Error("Expected a below-range zoom to behave like MinZoom")
	}

	high, err := sc.GetClusters(WorldBounds(), 40)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	atMax, _ := sc.GetClusters(WorldBounds(), sc.Options.MaxZoom)
	if !reflect.DeepEqual(high, atMax) {
		t.Error("Expected an above-range zoom to behave like MaxZoom")
	}
}

func TestQueryBeforeLoad(t *testing.T) {
	sc, err := NewSupercluster(SuperclusterOptions{})
	if err != nil {
		t.Fatalf("NewSupercluster failed: %v", err)
	}
	if _, err := sc.GetClusters(WorldBounds(), 0); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded from GetClusters, got %v", err)
	}
	if _, err := sc.GetClusterExpansionZoom(1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded from GetClusterExpansionZoom, got %v", err)
	}
}

func TestStrictLoadRejectsMalformedPoint(t *testing.T) {
	sc, err := NewSupercluster(SuperclusterOptions{Strict: true})
	if err != nil {
		t.Fatalf("NewSupercluster failed: %v", err)
	}
	points := []Point{
		{ID: 1, Lng: 0, Lat: 0},
		{ID: 2, Lng: 10, Lat: 95},
	}
	if err := sc.Load(points); !IsMalformed(err) {
		t.Errorf("Expected a malformed-point error, got %v", err)
	}
}

func TestLenientLoadSkipsMalformedPoint(t *testing.T) {
	points := []Point{
		{ID: 1, Lng: 0, Lat: 0},
		{ID: 2, Lng: 200, Lat: 0},
		{ID: 3, Lng: 10, Lat: 10},
	}
	sc := newLoadedCluster(t, SuperclusterOptions{}, points)

	nodes, err := sc.GetClusters(WorldBounds(), 16)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 surviving points, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == 2 {
			t.Error("Expected malformed point 2 to be dropped")
		}
	}
}

func TestLoadReplacesPreviousData(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	if err := sc.Load([]Point{{ID: 9, Lng: 50, Lat: 50}}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	nodes, err := sc.GetClusters(WorldBounds(), 0)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != 9 {
		t.Errorf("Expected only the reloaded point, got %+v", nodes)
	}
}

func TestClusterPropsComeFromFirstLeaf(t *testing.T) {
	sc := newLoadedCluster(t, SuperclusterOptions{}, twoPointInput())

	nodes, err := sc.GetClusters(WorldBounds(), 0)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 cluster, got %d entities", len(nodes))
	}
	if nodes[0].Props["name"] != "a" {
		t.Errorf("Expected the seed leaf's properties, got %v", nodes[0].Props)
	}
}

func TestReduceAccumulatesProperties(t *testing.T) {
	points := []Point{
		{ID: 1, Lng: 0, Lat: 0, Properties: map[string]interface{}{"value": 10.0}},
		{ID: 2, Lng: 0.5, Lat: 0.5, Properties: map[string]interface{}{"value": 32.0}},
	}
	sc := newLoadedCluster(t, SuperclusterOptions{
		Reduce: func(accum, props map[string]interface{}) {
			a, _ := accum["value"].(float64)
			b, _ := props["value"].(float64)
			accum["value"] = a + b
		},
	}, points)

	nodes, err := sc.GetClusters(WorldBounds(), 0)
	if err != nil {
		t.Fatalf("GetClusters failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 cluster, got %d entities", len(nodes))
	}
	if nodes[0].Props["value"] != 42.0 {
		t.Errorf("Expected reduced value 42, got %v", nodes[0].Props["value"])
	}

	// The reducer must not touch the original point payloads.
	if sc.Points[0].Properties["value"] != 10.0 {
		t.Errorf("Expected input payload untouched, got %v", sc.Points[0].Properties)
	}
}

func TestBuildDeterministicAcrossWorkers(t *testing.T) {
	// Enough points to engage the parallel neighbor precomputation.
	points := GenerateTestPoints(5000, KDBounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}, 7)

	serial := newLoadedCluster(t, SuperclusterOptions{Workers: 1}, points)
	parallel := newLoadedCluster(t, SuperclusterOptions{Workers: 4}, points)

	for _, zoom := range []int{0, 4, 8, 12, 16} {
		a, err := serial.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		b, err := parallel.GetClusters(WorldBounds(), zoom)
		if err != nil {
			t.Fatalf("GetClusters failed at zoom %d: %v", zoom, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Worker counts diverged at zoom %d: %d vs %d entities", zoom, len(a), len(b))
		}
	}
}

func TestRepeatedLoadsAreDeterministic(t *testing.T) {
	points := GenerateTestPoints(1000, KDBounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}, 3)

	first := newLoadedCluster(t, SuperclusterOptions{}, points)
	second := newLoadedCluster(t, SuperclusterOptions{}, points)

	for _, zoom := range []int{0, 6, 12} {
		a, _ := first.GetClusters(WorldBounds(), zoom)
		b, _ := second.GetClusters(WorldBounds(), zoom)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Rebuild diverged at zoom %d", zoom)
		}
	}
}

func TestCalculateSummary(t *testing.T) {
	nodes := []ClusterNode{
		{ID: 100, Count: 10, IsCluster: true},
		{ID: 1, Count: 1, Props: map[string]interface{}{"category": "A"}},
		{ID: 2, Count: 1, Props: map[string]interface{}{"category": "A"}},
		{ID: 3, Count: 1, Props: map[string]interface{}{"category": "B"}},
	}

	summary := CalculateSummary(nodes)
	if summary.TotalPoints != 13 {
		t.Errorf("Expected 13 total points, got %d", summary.TotalPoints)
	}
	if summary.NumClusters != 1 {
		t.Errorf("Expected 1 cluster, got %d", summary.NumClusters)
	}
	if summary.NumSinglePoints != 3 {
		t.Errorf("Expected 3 single points, got %d", summary.NumSinglePoints)
	}
	if summary.Categories["A"] != 2 || summary.Categories["B"] != 1 {
		t.Errorf("Unexpected category counts: %v", summary.Categories)
	}
}
