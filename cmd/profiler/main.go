package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"web/superindex/cluster"
)

var (
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile = flag.String("memprofile", "", "write memory profile to file")
	numPoints  = flag.Int("points", 100000, "number of points to generate")
	zoomLevel  = flag.Int("zoom", 8, "zoom level to query")
	workers    = flag.Int("workers", 1, "goroutines for build-time neighbor queries")
	testall    = flag.Bool("testall", false, "run the full battery")
)

var usBounds = cluster.KDBounds{MinX: -125, MinY: 25, MaxX: -65, MaxY: 49}

func buildEngine(numPoints, workers int) (*cluster.Supercluster, time.Duration, float64) {
	sc, err := cluster.NewSupercluster(cluster.SuperclusterOptions{Workers: workers})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create engine: %v\n", err)
		os.Exit(1)
	}

	points := cluster.GenerateTestPoints(numPoints, usBounds, 42)

	var memBefore, memAfter runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	start := time.Now()
	if err := sc.Load(points); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
	duration := time.Since(start)

	runtime.ReadMemStats(&memAfter)
	allocMB := float64(memAfter.TotalAlloc-memBefore.TotalAlloc) / 1024 / 1024
	return sc, duration, allocMB
}

func runSingleProfile(numPoints, zoomLevel, workers int) {
	fmt.Printf("Profiling with %d points, %d workers, querying at zoom %d\n", numPoints, workers, zoomLevel)

	sc, buildDuration, allocMB := buildEngine(numPoints, workers)
	fmt.Printf("Build completed in %v\n", buildDuration)
	fmt.Printf("Memory allocated: %.2f MB\n", allocMB)

	start := time.Now()
	nodes, err := sc.GetClusters(usBounds, zoomLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "GetClusters failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Query returned %d entities in %v\n", len(nodes), time.Since(start))

	summary := cluster.CalculateSummary(nodes)
	fmt.Printf("Clusters: %d  Single points: %d  Total leaves: %d\n",
		summary.NumClusters, summary.NumSinglePoints, summary.TotalPoints)
}

func runProfileBattery() {
	pointCounts := []int{1000, 10000, 50000, 100000}
	workerCounts := []int{1, 4}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	fmt.Printf("%-10s | %-8s | %-15s | %-12s | %s\n",
		"Points", "Workers", "Build", "Memory (MB)", "Query times by zoom")
	fmt.Println("------------------------------------------------------------------------")

	for _, points := range pointCounts {
		for _, w := range workerCounts {
			sc, buildDuration, allocMB := buildEngine(points, w)

			queryTimes := ""
			for _, zoom := range zoomLevels {
				start := time.Now()
				if _, err := sc.GetClusters(usBounds, zoom); err != nil {
					fmt.Fprintf(os.Stderr, "GetClusters failed: %v\n", err)
					os.Exit(1)
				}
				queryTimes += fmt.Sprintf("z%d=%v ", zoom, time.Since(start))
			}

			fmt.Printf("%-10d | %-8d | %-15s | %-12.2f | %s\n",
				points, w, buildDuration, allocMB, queryTimes)
		}
		fmt.Println("------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	if *testall {
		runProfileBattery()
	} else {
		runSingleProfile(*numPoints, *zoomLevel, *workers)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}
}
