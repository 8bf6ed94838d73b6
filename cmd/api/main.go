package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strconv"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"

	"web/superindex/cluster"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superindex_queries_total",
		Help: "Bounding box queries answered, by outcome.",
	}, []string{"status"})

	datasetsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "superindex_datasets_created_total",
		Help: "Datasets created through the API.",
	})
)

var _ = reflect.TypeOf(config{})

type config struct {
	Addr        string        `cli:"" env:"SUPERINDEX_ADDR"          help:"Listening address for API requests."`
	AdminAddr   string        `cli:"" env:"SUPERINDEX_ADMIN_ADDR"    help:"Admin listening address (metrics, pprof)."`
	DataDir     string        `cli:"" env:"SUPERINDEX_DATA_DIR"      help:"Directory where dataset snapshots are stored."`
	LogLevel    string        `cli:"" env:"SUPERINDEX_LOG_LEVEL"     help:"Log level (debug|info|warning|error)."`
	LogIndent   bool          `cli:"" env:"SUPERINDEX_LOG_INDENT"    help:"Indent logs."`
	MaxDatasets int           `cli:"" env:"SUPERINDEX_MAX_DATASETS"  help:"Maximum datasets kept in memory at once."`
	EvictAfter  time.Duration `cli:"" env:"SUPERINDEX_EVICT_AFTER"   help:"Idle time before a loaded dataset is evicted."`
	MinZoom     int           `cli:"" env:"SUPERINDEX_MIN_ZOOM"      help:"Coarsest zoom level of built datasets."`
	MaxZoom     int           `cli:"" env:"SUPERINDEX_MAX_ZOOM"      help:"Finest zoom level of built datasets."`
	MinPoints   int           `cli:"" env:"SUPERINDEX_MIN_POINTS"    help:"Minimum entities required to form a cluster."`
	Radius      float64       `cli:"" env:"SUPERINDEX_RADIUS"        help:"Cluster radius in extent pixels."`
	Workers     int           `cli:"" env:"SUPERINDEX_WORKERS"       help:"Goroutines used for build-time neighbor queries."`
}

func main() {
	conf := config{
		Addr:        ":8000",
		AdminAddr:   ":8001",
		DataDir:     "data/datasets",
		LogLevel:    logs.InfoLevel.String(),
		MaxDatasets: 4,
		EvictAfter:  30 * time.Minute,
		MaxZoom:     cluster.DefaultMaxZoom,
		MinPoints:   cluster.DefaultMinPoints,
		Radius:      cluster.DefaultRadius,
		Workers:     4,
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the clustering API server.").
		Options(&conf)
	cli.Load()

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal

	store := NewDatasetStore(conf.DataDir, conf.MaxDatasets, conf.EvictAfter, cluster.SuperclusterOptions{
		MinZoom:   conf.MinZoom,
		MaxZoom:   conf.MaxZoom,
		MinPoints: conf.MinPoints,
		Radius:    conf.Radius,
		Workers:   conf.Workers,
	})
	go evictLoop(ctx, store)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/api/datasets", func(c *gin.Context) {
		infos, err := store.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, infos)
	})

	r.POST("/api/datasets", func(c *gin.Context) {
		var req struct {
			NumPoints int `json:"numPoints"`
			Seed      int `json:"seed"`
		}
		if err := c.BindJSON(&req); err != nil || req.NumPoints < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		points := cluster.GenerateTestPoints(req.NumPoints, cluster.WorldBounds(), int64(req.Seed))
		info, err := store.Create(points)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		datasetsCreated.Inc()
		c.JSON(http.StatusOK, info)
	})

	r.POST("/api/datasets/import", func(c *gin.Context) {
		data, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reading body failed"})
			return
		}
		info, err := store.CreateFromGeoJSON(data)
		if err != nil {
			status := http.StatusInternalServerError
			if cluster.IsMalformed(err) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		datasetsCreated.Inc()
		c.JSON(http.StatusOK, info)
	})

	r.GET("/api/datasets/:id/clusters", func(c *gin.Context) {
		sc, ok := datasetFor(c, store)
		if !ok {
			return
		}
		bounds, zoom, ok := queryParams(c)
		if !ok {
			return
		}

		fc, err := sc.ToGeoJSON(bounds, zoom)
		if err != nil {
			queriesTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		queriesTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, fc)
	})

	r.GET("/api/datasets/:id/summary", func(c *gin.Context) {
		sc, ok := datasetFor(c, store)
		if !ok {
			return
		}
		bounds, zoom, ok := queryParams(c)
		if !ok {
			return
		}

		nodes, err := sc.GetClusters(bounds, zoom)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cluster.CalculateSummary(nodes))
	})

	r.GET("/api/datasets/:id/expansion-zoom", func(c *gin.Context) {
		sc, ok := datasetFor(c, store)
		if !ok {
			return
		}
		clusterID, err := strconv.ParseUint(c.Query("cluster_id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cluster_id parameter"})
			return
		}

		zoom, err := sc.GetClusterExpansionZoom(uint32(clusterID))
		if err != nil {
			if cluster.IsNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"clusterId": clusterID, "expansionZoom": zoom})
	})

	admin := http.NewServeMux()
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))

	apiServer := &http.Server{Addr: conf.Addr, Handler: r}
	adminServer := &http.Server{Addr: conf.AdminAddr, Handler: admin}

	go func() {
		logs.WithTag("addr", conf.AdminAddr).Info("starting admin server")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Warn(errors.New("admin server failed").Wrap(err))
		}
	}()
	go func() {
		logs.WithTag("addr", conf.Addr).
			WithTag("data_dir", conf.DataDir).
			WithTag("log_level", conf.LogLevel).
			Info("starting api server")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Fatal(errors.New("api server failed").Wrap(err))
		}
	}()

	<-ctx.Done()
	logs.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	adminServer.Shutdown(shutdownCtx)
}

func evictLoop(ctx context.Context, store *DatasetStore) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.EvictIdle()
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func datasetFor(c *gin.Context, store *DatasetStore) (*cluster.Supercluster, bool) {
	sc, err := store.Get(c.Param("id"))
	if err != nil {
		if cluster.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return sc, true
}

// queryParams reads the bounding box and zoom of a query. A west edge east
// of the east edge is accepted as an antimeridian-crossing box.
func queryParams(c *gin.Context) (cluster.KDBounds, int, bool) {
	parse := func(name string) (float64, bool) {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " parameter"})
			return 0, false
		}
		return v, true
	}

	west, ok := parse("west")
	if !ok {
		return cluster.KDBounds{}, 0, false
	}
	south, ok := parse("south")
	if !ok {
		return cluster.KDBounds{}, 0, false
	}
	east, ok := parse("east")
	if !ok {
		return cluster.KDBounds{}, 0, false
	}
	north, ok := parse("north")
	if !ok {
		return cluster.KDBounds{}, 0, false
	}

	zoom, err := strconv.Atoi(c.Query("zoom"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zoom parameter"})
		return cluster.KDBounds{}, 0, false
	}

	return cluster.KDBounds{MinX: west, MinY: south, MaxX: east, MaxY: north}, zoom, true
}
