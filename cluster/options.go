package cluster

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	DefaultMinZoom   = 0
	DefaultMaxZoom   = 16
	DefaultMinPoints = 2
	DefaultRadius    = 40
	DefaultExtent    = 512
	DefaultNodeSize  = 64
)

// SuperclusterOptions configures a clustering engine. Zero values take the
// defaults above, so an empty struct is a valid configuration.
type SuperclusterOptions struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64
	Extent    float64
	NodeSize  int

	// Workers bounds the goroutines used to precompute neighbor lists
	// during a build. The merge pass is always sequential, so the result
	// does not depend on the worker count. 0 or 1 disables the fan-out.
	Workers int

	// Strict makes Load fail on the first malformed record instead of
	// skipping it.
	Strict bool

	// Reduce folds the payload of every merged entity into a cluster's
	// accumulated properties. When nil, a cluster carries the payload of
	// the first leaf point merged into it.
	Reduce func(accum, props map[string]interface{})
}

func (o *SuperclusterOptions) setDefaults() {
	if o.MaxZoom == 0 {
		o.MaxZoom = DefaultMaxZoom
	}
	if o.MinPoints == 0 {
		o.MinPoints = DefaultMinPoints
	}
	if o.Radius <= 0 {
		o.Radius = DefaultRadius
	}
	if o.Extent <= 0 {
		o.Extent = DefaultExtent
	}
	if o.NodeSize <= 0 {
		o.NodeSize = DefaultNodeSize
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
}

func (o SuperclusterOptions) validate() error {
	if o.MinZoom < 0 {
		return errors.New("min zoom is negative").
			WithTag("min_zoom", o.MinZoom).
			Wrap(ErrConfiguration)
	}
	if o.MinZoom > o.MaxZoom {
		return errors.New("min zoom is greater than max zoom").
			WithTag("min_zoom", o.MinZoom).
			WithTag("max_zoom", o.MaxZoom).
			Wrap(ErrConfiguration)
	}
	if o.MinPoints < 1 {
		return errors.New("min points is lower than 1").
			WithTag("min_points", o.MinPoints).
			Wrap(ErrConfiguration)
	}
	return nil
}
