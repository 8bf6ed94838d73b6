package main

import (
	"context"
	"io"
	"os"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/qedus/osmpbf"
	"github.com/segmentio/encoding/json"

	"web/superindex/cluster"
)

var _ = reflect.TypeOf(config{})

type config struct {
	Input     string  `cli:"" env:"SUPERINDEX_LOADER_INPUT"      help:"OSM PBF file to read."`
	Output    string  `cli:"" env:"SUPERINDEX_LOADER_OUTPUT"     help:"Snapshot file to write."`
	Tag       string  `cli:"" env:"SUPERINDEX_LOADER_TAG"        help:"Only nodes carrying this tag are indexed. Empty keeps every tagged node."`
	MaxNodes  int     `cli:"" env:"SUPERINDEX_LOADER_MAX_NODES"  help:"Stop after this many nodes. 0 means no limit."`
	MinZoom   int     `cli:"" env:"SUPERINDEX_LOADER_MIN_ZOOM"   help:"Coarsest zoom level of the built dataset."`
	MaxZoom   int     `cli:"" env:"SUPERINDEX_LOADER_MAX_ZOOM"   help:"Finest zoom level of the built dataset."`
	MinPoints int     `cli:"" env:"SUPERINDEX_LOADER_MIN_POINTS" help:"Minimum entities required to form a cluster."`
	Radius    float64 `cli:"" env:"SUPERINDEX_LOADER_RADIUS"     help:"Cluster radius in extent pixels."`
	Workers   int     `cli:"" env:"SUPERINDEX_LOADER_WORKERS"    help:"Goroutines used for build-time neighbor queries."`
	LogLevel  string  `cli:"" env:"SUPERINDEX_LOADER_LOG_LEVEL"  help:"Log level (debug|info|warning|error)."`
}

func main() {
	conf := config{
		Output:    "dataset.zst",
		MaxZoom:   cluster.DefaultMaxZoom,
		MinPoints: cluster.DefaultMinPoints,
		Radius:    cluster.DefaultRadius,
		Workers:   runtime.GOMAXPROCS(-1),
		LogLevel:  logs.InfoLevel.String(),
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Builds a cluster dataset snapshot from an OSM PBF extract.").
		Options(&conf)
	cli.Load()

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	errors.Encoder = json.Marshal

	if conf.Input == "" {
		logs.Fatal(errors.New("no input file given"))
	}

	points, err := readNodes(ctx, conf)
	if err != nil {
		logs.Fatal(errors.New("reading osm extract failed").
			WithTag("file", conf.Input).
			Wrap(err))
	}
	logs.WithTag("points", len(points)).Info("osm nodes read")

	sc, err := cluster.NewSupercluster(cluster.SuperclusterOptions{
		MinZoom:   conf.MinZoom,
		MaxZoom:   conf.MaxZoom,
		MinPoints: conf.MinPoints,
		Radius:    conf.Radius,
		Workers:   conf.Workers,
	})
	if err != nil {
		logs.Fatal(err)
	}

	start := time.Now()
	if err := sc.Load(points); err != nil {
		logs.Fatal(errors.New("building cluster tree failed").Wrap(err))
	}
	logs.WithTag("duration", time.Since(start).String()).Info("cluster tree built")

	if err := sc.SaveCompressed(conf.Output); err != nil {
		logs.Fatal(errors.New("writing snapshot failed").
			WithTag("file", conf.Output).
			Wrap(err))
	}
	logs.WithTag("file", conf.Output).Info("snapshot written")
}

// readNodes streams the PBF file and keeps tagged nodes as input points.
// Node tags become the point's property payload.
func readNodes(ctx context.Context, conf config) ([]cluster.Point, error) {
	f, err := os.Open(conf.Input)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := osmpbf.NewDecoder(f)
	d.SetBufferSize(osmpbf.MaxBlobSize)
	if err := d.Start(runtime.GOMAXPROCS(-1)); err != nil {
		return nil, err
	}

	var points []cluster.Point
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := d.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		node, ok := v.(*osmpbf.Node)
		if !ok {
			continue
		}
		if len(node.Tags) == 0 {
			continue
		}
		if conf.Tag != "" {
			if _, ok := node.Tags[conf.Tag]; !ok {
				continue
			}
		}

		props := make(map[string]interface{}, len(node.Tags))
		for k, v := range node.Tags {
			props[k] = v
		}
		points = append(points, cluster.Point{
			ID:         uint32(len(points) + 1),
			Lng:        node.Lon,
			Lat:        node.Lat,
			Properties: props,
		})
		if conf.MaxNodes > 0 && len(points) >= conf.MaxNodes {
			break
		}
	}
	return points, nil
}
