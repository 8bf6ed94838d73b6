package cluster

import (
	"fmt"
	"testing"
)

var benchBounds = KDBounds{MinX: -125, MinY: 25, MaxX: -65, MaxY: 49}

func benchmarkLoad(b *testing.B, numPoints, workers int) {
	points := GenerateTestPoints(numPoints, benchBounds, 42)
	sc, err := NewSupercluster(SuperclusterOptions{Workers: workers})
	if err != nil {
		b.Fatalf("NewSupercluster failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := sc.Load(points); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
	}
}

func BenchmarkLoadSmall(b *testing.B)          { benchmarkLoad(b, 1000, 1) }
func BenchmarkLoadMedium(b *testing.B)         { benchmarkLoad(b, 10000, 1) }
func BenchmarkLoadLarge(b *testing.B)          { benchmarkLoad(b, 100000, 1) }
func BenchmarkLoadLargeParallel(b *testing.B)  { benchmarkLoad(b, 100000, 4) }
func BenchmarkLoadMediumParallel(b *testing.B) { benchmarkLoad(b, 10000, 4) }

func BenchmarkGetClusters(b *testing.B) {
	points := GenerateTestPoints(100000, benchBounds, 42)
	sc, err := NewSupercluster(SuperclusterOptions{})
	if err != nil {
		b.Fatalf("NewSupercluster failed: %v", err)
	}
	if err := sc.Load(points); err != nil {
		b.Fatalf("Load failed: %v", err)
	}

	for _, zoom := range []int{2, 8, 14} {
		b.Run(fmt.Sprintf("zoom%d", zoom), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := sc.GetClusters(benchBounds, zoom); err != nil {
					b.Fatalf("GetClusters failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkGetClusterExpansionZoom(b *testing.B) {
	points := GenerateTestPoints(10000, benchBounds, 42)
	sc, err := NewSupercluster(SuperclusterOptions{})
	if err != nil {
		b.Fatalf("NewSupercluster failed: %v", err)
	}
	if err := sc.Load(points); err != nil {
		b.Fatalf("Load failed: %v", err)
	}

	nodes, err := sc.GetClusters(benchBounds, 0)
	if err != nil {
		b.Fatalf("GetClusters failed: %v", err)
	}
	var clusterID uint32
	for _, n := range nodes {
		if n.IsCluster {
			clusterID = n.ID
			break
		}
	}
	if clusterID == 0 {
		b.Fatal("Expected at least one cluster at zoom 0")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := sc.GetClusterExpansionZoom(clusterID); err != nil {
			b.Fatalf("GetClusterExpansionZoom failed: %v", err)
		}
	}
}
