package cluster

import (
	"fmt"
	"math/rand"
	"time"
)

// Summary aggregates a query result for quick inspection.
type Summary struct {
	TotalPoints     int                    `json:"totalPoints"`
	NumClusters     int                    `json:"numClusters"`
	NumSinglePoints int                    `json:"numSinglePoints"`
	Categories      map[string]int         `json:"categories,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// CalculateSummary folds a query result into totals. Category counts only
// cover bare points; clusters contribute to the point total without a
// category.
func CalculateSummary(nodes []ClusterNode) Summary {
	summary := Summary{}
	if len(nodes) == 0 {
		return summary
	}

	categories := make(map[string]int)
	for _, n := range nodes {
		summary.TotalPoints += int(n.Count)
		if n.IsCluster {
			summary.NumClusters++
			continue
		}
		summary.NumSinglePoints++
		if cat, ok := n.Props["category"].(string); ok {
			categories[cat]++
		}
	}
	if len(categories) > 0 {
		summary.Categories = categories
	}
	return summary
}

// GenerateTestPoints returns n random points uniformly spread over the
// bounds, with a small synthetic property payload. Deterministic for a
// fixed seed.
func GenerateTestPoints(n int, bounds KDBounds, seed int64) []Point {
	rng := rand.New(rand.NewSource(seed))
	categories := []string{"A", "B", "C"}

	points := make([]Point, n)
	for i := range points {
		lng := bounds.MinX + rng.Float64()*(bounds.MaxX-bounds.MinX)
		lat := bounds.MinY + rng.Float64()*(bounds.MaxY-bounds.MinY)

		points[i] = Point{
			ID:  uint32(i + 1),
			Lng: lng,
			Lat: lat,
			Properties: map[string]interface{}{
				"name":      fmt.Sprintf("point-%d", i+1),
				"category":  categories[rng.Intn(len(categories))],
				"value":     rng.Float64() * 100,
				"timestamp": time.Unix(1700000000+int64(rng.Intn(7*24*3600)), 0).UTC().Format(time.RFC3339),
			},
		}
	}
	return points
}
