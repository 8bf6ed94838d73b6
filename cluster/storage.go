package cluster

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
)

// Snapshot layout: options header, the original points, then every level's
// entity slice and index arrays, little-endian, with length-prefixed JSON
// blobs for property payloads. A Reduce function is not serializable;
// snapshots persist the materialized cluster payloads instead.

// SaveCompressed writes the engine to a zstd-compressed snapshot file.
func (sc *Supercluster) SaveCompressed(filename string) error {
	if sc.Tree == nil {
		return ErrNotLoaded
	}

	file, err := os.Create(filename)
	if err != nil {
		return errors.New("creating snapshot file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return errors.New("creating zstd writer failed").Wrap(err)
	}

	if err := sc.writeSnapshot(enc); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return errors.New("closing zstd writer failed").Wrap(err)
	}
	if err := bufWriter.Flush(); err != nil {
		return errors.New("flushing snapshot failed").Wrap(err)
	}
	return nil
}

// LoadCompressedSupercluster restores an engine from a snapshot file. The
// restored engine answers queries immediately; only a configured Reduce
// function is not recovered.
func LoadCompressedSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.New("opening snapshot file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(file, 1024*1024))
	if err != nil {
		return nil, errors.New("creating zstd reader failed").Wrap(err)
	}
	defer dec.Close()

	sc, err := readSnapshot(dec)
	if err != nil {
		return nil, errors.New("reading snapshot failed").
			WithTag("file", filename).
			Wrap(err)
	}
	return sc, nil
}

func (sc *Supercluster) writeSnapshot(w io.Writer) error {
	opts := sc.Options
	binary.Write(w, binary.LittleEndian, int32(opts.MinZoom))
	binary.Write(w, binary.LittleEndian, int32(opts.MaxZoom))
	binary.Write(w, binary.LittleEndian, int32(opts.MinPoints))
	binary.Write(w, binary.LittleEndian, int32(opts.NodeSize))
	binary.Write(w, binary.LittleEndian, opts.Radius)
	binary.Write(w, binary.LittleEndian, opts.Extent)

	binary.Write(w, binary.LittleEndian, uint32(len(sc.Points)))
	for _, p := range sc.Points {
		binary.Write(w, binary.LittleEndian, p.Lng)
		binary.Write(w, binary.LittleEndian, p.Lat)
		binary.Write(w, binary.LittleEndian, p.ID)
		if err := writeProps(w, p.Properties); err != nil {
			return err
		}
	}

	binary.Write(w, binary.LittleEndian, uint32(len(sc.Tree.levels)))
	for z := opts.MinZoom; z <= opts.MaxZoom+1; z++ {
		lvl := sc.Tree.levelAt(z)
		binary.Write(w, binary.LittleEndian, uint32(len(lvl.points)))
		for _, p := range lvl.points {
			binary.Write(w, binary.LittleEndian, p.X)
			binary.Write(w, binary.LittleEndian, p.Y)
			binary.Write(w, binary.LittleEndian, p.ID)
			binary.Write(w, binary.LittleEndian, p.NumPoints)
			binary.Write(w, binary.LittleEndian, p.Seed)
			binary.Write(w, binary.LittleEndian, p.Origin)
			binary.Write(w, binary.LittleEndian, p.Zoom)
			if err := writeProps(w, p.Props); err != nil {
				return err
			}
		}
		binary.Write(w, binary.LittleEndian, lvl.index.IDs)
		if err := binary.Write(w, binary.LittleEndian, lvl.index.Coords); err != nil {
			return errors.New("writing index arrays failed").WithTag("zoom", z).Wrap(err)
		}
	}
	return nil
}

func readSnapshot(r io.Reader) (*Supercluster, error) {
	var minZoom, maxZoom, minPoints, nodeSize int32
	var radius, extent float64
	binary.Read(r, binary.LittleEndian, &minZoom)
	binary.Read(r, binary.LittleEndian, &maxZoom)
	binary.Read(r, binary.LittleEndian, &minPoints)
	binary.Read(r, binary.LittleEndian, &nodeSize)
	binary.Read(r, binary.LittleEndian, &radius)
	if err := binary.Read(r, binary.LittleEndian, &extent); err != nil {
		return nil, errors.New("snapshot header truncated").Wrap(err)
	}

	sc, err := NewSupercluster(SuperclusterOptions{
		MinZoom:   int(minZoom),
		MaxZoom:   int(maxZoom),
		MinPoints: int(minPoints),
		NodeSize:  int(nodeSize),
		Radius:    radius,
		Extent:    extent,
	})
	if err != nil {
		return nil, err
	}

	var numPoints uint32
	if err := binary.Read(r, binary.LittleEndian, &numPoints); err != nil {
		return nil, errors.New("snapshot point count truncated").Wrap(err)
	}
	sc.Points = make([]Point, numPoints)
	for i := range sc.Points {
		p := &sc.Points[i]
		binary.Read(r, binary.LittleEndian, &p.Lng)
		binary.Read(r, binary.LittleEndian, &p.Lat)
		binary.Read(r, binary.LittleEndian, &p.ID)
		props, err := readProps(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	var numLevels uint32
	if err := binary.Read(r, binary.LittleEndian, &numLevels); err != nil {
		return nil, errors.New("snapshot level count truncated").Wrap(err)
	}
	if int(numLevels) != sc.Options.MaxZoom-sc.Options.MinZoom+2 {
		return nil, errors.New("snapshot level count does not match zoom bounds").
			WithTag("levels", numLevels)
	}

	tree := newClusterTree(sc.Options.MinZoom, sc.Options.MaxZoom)
	for z := sc.Options.MinZoom; z <= sc.Options.MaxZoom+1; z++ {
		var numEntries uint32
		if err := binary.Read(r, binary.LittleEndian, &numEntries); err != nil {
			return nil, errors.New("snapshot level truncated").WithTag("zoom", z).Wrap(err)
		}
		points := make([]KDPoint, numEntries)
		for i := range points {
			p := &points[i]
			binary.Read(r, binary.LittleEndian, &p.X)
			binary.Read(r, binary.LittleEndian, &p.Y)
			binary.Read(r, binary.LittleEndian, &p.ID)
			binary.Read(r, binary.LittleEndian, &p.NumPoints)
			binary.Read(r, binary.LittleEndian, &p.Seed)
			binary.Read(r, binary.LittleEndian, &p.Origin)
			binary.Read(r, binary.LittleEndian, &p.Zoom)
			props, err := readProps(r)
			if err != nil {
				return nil, err
			}
			p.Props = props
		}

		ids := make([]int32, numEntries)
		coords := make([]float64, 2*numEntries)
		if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
			return nil, errors.New("snapshot index truncated").WithTag("zoom", z).Wrap(err)
		}
		if err := binary.Read(r, binary.LittleEndian, coords); err != nil {
			return nil, errors.New("snapshot index truncated").WithTag("zoom", z).Wrap(err)
		}

		tree.levels[z-sc.Options.MinZoom] = level{
			points: points,
			index:  newKDTreeFromArrays(ids, coords, sc.Options.NodeSize),
		}
	}
	tree.rebuildOrigins()

	sc.Tree = tree
	return sc, nil
}

func writeProps(w io.Writer, props map[string]interface{}) error {
	if len(props) == 0 {
		binary.Write(w, binary.LittleEndian, uint32(0))
		return nil
	}
	blob, err := json.Marshal(props)
	if err != nil {
		return errors.New("marshaling properties failed").Wrap(err)
	}
	binary.Write(w, binary.LittleEndian, uint32(len(blob)))
	_, err = w.Write(blob)
	return err
}

func readProps(r io.Reader) (map[string]interface{}, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.New("snapshot properties truncated").Wrap(err)
	}
	if size == 0 {
		return nil, nil
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, errors.New("snapshot properties truncated").Wrap(err)
	}
	var props map[string]interface{}
	if err := json.Unmarshal(blob, &props); err != nil {
		return nil, errors.New("unmarshaling properties failed").Wrap(err)
	}
	return props, nil
}
