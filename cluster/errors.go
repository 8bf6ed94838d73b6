package cluster

import (
	stderrors "errors"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

var (
	// ErrConfiguration is returned by NewSupercluster when zoom bounds or
	// MinPoints are invalid. The engine instance is unusable.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrMalformedPoint is returned when a record's coordinates cannot be
	// interpreted as a geographic point. In strict mode it fails the whole
	// load; in lenient mode the record is skipped.
	ErrMalformedPoint = errors.New("malformed point")

	// ErrClusterNotFound is returned by GetClusterExpansionZoom when the id
	// is unknown to the built tree.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrGeometryType is returned when a loaded feature carries a geometry
	// other than Point.
	ErrGeometryType = errors.New("unsupported geometry type")

	// ErrNotLoaded is returned by queries issued before Load.
	ErrNotLoaded = errors.New("no points loaded")
)

// IsNotFound reports whether err stems from an unknown cluster id.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrClusterNotFound)
}

// IsMalformed reports whether err stems from an uninterpretable record.
func IsMalformed(err error) bool {
	return stderrors.Is(err, ErrMalformedPoint) || stderrors.Is(err, ErrGeometryType)
}
