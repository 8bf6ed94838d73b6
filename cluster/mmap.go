package cluster

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
)

// MMapWriter writes fixed-width values into a memory-mapped region.
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) WriteUint8(v uint8) {
	w.data[w.offset] = v
	w.offset++
}

func (w *MMapWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], v)
	w.offset += 4
}

func (w *MMapWriter) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *MMapWriter) WriteFloat64(v float64) {
	binary.LittleEndian.PutUint64(w.data[w.offset:], math.Float64bits(v))
	w.offset += 8
}

func (w *MMapWriter) WriteBytes(b []byte) {
	copy(w.data[w.offset:], b)
	w.offset += len(b)
}

// MMapReader reads fixed-width values from a memory-mapped region.
type MMapReader struct {
	data   mmap.MMap
	offset int
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{data: data}
}

func (r *MMapReader) ReadUint8() uint8 {
	v := r.data[r.offset]
	r.offset++
	return v
}

func (r *MMapReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *MMapReader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *MMapReader) ReadFloat64() float64 {
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return math.Float64frombits(v)
}

func (r *MMapReader) ReadBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, r.data[r.offset:r.offset+n])
	r.offset += n
	return b
}

func propsBlob(props map[string]interface{}) []byte {
	if len(props) == 0 {
		return nil
	}
	blob, _ := json.Marshal(props)
	return blob
}

// calculateSize returns the exact byte size the mmap snapshot needs.
func (sc *Supercluster) calculateSize() int64 {
	// Options header: four int32 plus two float64.
	size := int64(4*4 + 8*2)

	size += 4 // point count
	for _, p := range sc.Points {
		size += 8 + 8 + 4
		size += 4 + int64(len(propsBlob(p.Properties)))
	}

	size += 4 // level count
	for z := sc.Options.MinZoom; z <= sc.Options.MaxZoom+1; z++ {
		lvl := sc.Tree.levelAt(z)
		size += 4
		for _, p := range lvl.points {
			size += 8 + 8 + 4 + 4 + 4 + 4 + 1
			size += 4 + int64(len(propsBlob(p.Props)))
		}
		size += int64(4 * len(lvl.index.IDs))
		size += int64(8 * len(lvl.index.Coords))
	}
	return size
}

// SaveMMap writes the engine to an uncompressed snapshot through a memory
// mapping. Same layout as the zstd snapshot, so both loaders agree on the
// bytes.
func (sc *Supercluster) SaveMMap(filename string) error {
	if sc.Tree == nil {
		return ErrNotLoaded
	}
	size := sc.calculateSize()

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.New("creating snapshot file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return errors.New("sizing snapshot file failed").Wrap(err)
	}

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return errors.New("mapping snapshot file failed").Wrap(err)
	}
	defer mmapData.Unmap()

	w := NewMMapWriter(mmapData)
	opts := sc.Options

	w.WriteInt32(int32(opts.MinZoom))
	w.WriteInt32(int32(opts.MaxZoom))
	w.WriteInt32(int32(opts.MinPoints))
	w.WriteInt32(int32(opts.NodeSize))
	w.WriteFloat64(opts.Radius)
	w.WriteFloat64(opts.Extent)

	w.WriteUint32(uint32(len(sc.Points)))
	for _, p := range sc.Points {
		w.WriteFloat64(p.Lng)
		w.WriteFloat64(p.Lat)
		w.WriteUint32(p.ID)
		blob := propsBlob(p.Properties)
		w.WriteUint32(uint32(len(blob)))
		w.WriteBytes(blob)
	}

	w.WriteUint32(uint32(len(sc.Tree.levels)))
	for z := opts.MinZoom; z <= opts.MaxZoom+1; z++ {
		lvl := sc.Tree.levelAt(z)
		w.WriteUint32(uint32(len(lvl.points)))
		for _, p := range lvl.points {
			w.WriteFloat64(p.X)
			w.WriteFloat64(p.Y)
			w.WriteUint32(p.ID)
			w.WriteUint32(p.NumPoints)
			w.WriteInt32(p.Seed)
			w.WriteInt32(p.Origin)
			w.WriteUint8(p.Zoom)
			blob := propsBlob(p.Props)
			w.WriteUint32(uint32(len(blob)))
			w.WriteBytes(blob)
		}
		for _, id := range lvl.index.IDs {
			w.WriteInt32(id)
		}
		for _, c := range lvl.index.Coords {
			w.WriteFloat64(c)
		}
	}

	return mmapData.Flush()
}

// LoadMMapSupercluster restores an engine from an uncompressed mmap
// snapshot.
func LoadMMapSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.New("opening snapshot file failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer file.Close()

	mmapData, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.New("mapping snapshot file failed").Wrap(err)
	}
	defer mmapData.Unmap()

	r := NewMMapReader(mmapData)

	sc, err := NewSupercluster(SuperclusterOptions{
		MinZoom:   int(r.ReadInt32()),
		MaxZoom:   int(r.ReadInt32()),
		MinPoints: int(r.ReadInt32()),
		NodeSize:  int(r.ReadInt32()),
		Radius:    r.ReadFloat64(),
		Extent:    r.ReadFloat64(),
	})
	if err != nil {
		return nil, err
	}

	numPoints := r.ReadUint32()
	sc.Points = make([]Point, numPoints)
	for i := range sc.Points {
		p := &sc.Points[i]
		p.Lng = r.ReadFloat64()
		p.Lat = r.ReadFloat64()
		p.ID = r.ReadUint32()
		if size := r.ReadUint32(); size > 0 {
			if err := json.Unmarshal(r.ReadBytes(int(size)), &p.Properties); err != nil {
				return nil, errors.New("unmarshaling properties failed").Wrap(err)
			}
		}
	}

	numLevels := r.ReadUint32()
	if int(numLevels) != sc.Options.MaxZoom-sc.Options.MinZoom+2 {
		return nil, errors.New("snapshot level count does not match zoom bounds").
			WithTag("levels", numLevels)
	}

	tree := newClusterTree(sc.Options.MinZoom, sc.Options.MaxZoom)
	for z := sc.Options.MinZoom; z <= sc.Options.MaxZoom+1; z++ {
		numEntries := r.ReadUint32()
		points := make([]KDPoint, numEntries)
		for i := range points {
			p := &points[i]
			p.X = r.ReadFloat64()
			p.Y = r.ReadFloat64()
			p.ID = r.ReadUint32()
			p.NumPoints = r.ReadUint32()
			p.Seed = r.ReadInt32()
			p.Origin = r.ReadInt32()
			p.Zoom = r.ReadUint8()
			if size := r.ReadUint32(); size > 0 {
				if err := json.Unmarshal(r.ReadBytes(int(size)), &p.Props); err != nil {
					return nil, errors.New("unmarshaling properties failed").Wrap(err)
				}
			}
		}

		ids := make([]int32, numEntries)
		for i := range ids {
			ids[i] = r.ReadInt32()
		}
		coords := make([]float64, 2*numEntries)
		for i := range coords {
			coords[i] = r.ReadFloat64()
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

// SaveCompressedMMap writes the mmap snapshot through a temporary file and
// compresses it with zstd.
func (sc *Supercluster) SaveCompressedMMap(filename string) error {
	tempFile := filename + ".tmp"
	if err := sc.SaveMMap(tempFile); err != nil {
		return err
	}
	defer os.Remove(tempFile)

	src, err := os.Open(tempFile)
	if err != nil {
		return errors.New("opening temp snapshot failed").Wrap(err)
	}
	defer src.Close()

	dst, err := os.Create(filename)
	if err != nil {
		return errors.New("creating compressed snapshot failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return errors.New("creating zstd writer failed").Wrap(err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return errors.New("compressing snapshot failed").Wrap(err)
	}
	return enc.Close()
}

// LoadCompressedMMap decompresses a zstd mmap snapshot into a temporary
// file and restores the engine from it.
func LoadCompressedMMap(filename string) (*Supercluster, error) {
	tempFile := filename + ".tmp"
	dst, err := os.Create(tempFile)
	if err != nil {
		return nil, errors.New("creating temp snapshot failed").Wrap(err)
	}
	defer os.Remove(tempFile)
	defer dst.Close()

	src, err := os.Open(filename)
	if err != nil {
		return nil, errors.New("opening compressed snapshot failed").
			WithTag("file", filename).
			Wrap(err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, errors.New("creating zstd reader failed").Wrap(err)
	}
	defer dec.Close()

	if _, err := io.Copy(dst, dec); err != nil {
		return nil, errors.New("decompressing snapshot failed").Wrap(err)
	}
	if err := dst.Sync(); err != nil {
		return nil, errors.New("syncing temp snapshot failed").Wrap(err)
	}

	return LoadMMapSupercluster(tempFile)
}
