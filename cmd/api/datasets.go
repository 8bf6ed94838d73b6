package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"

	"web/superindex/cluster"
)

// DatasetInfo describes one saved dataset snapshot.
type DatasetInfo struct {
	ID        string    `json:"id"`
	NumPoints int       `json:"numPoints"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
	Loaded    bool      `json:"loaded"`
}

// DatasetStore keeps built engines in memory, persists them as zstd
// snapshots and reloads them on demand. Engines idle past the configured
// age are evicted; the snapshot on disk stays.
type DatasetStore struct {
	dataDir    string
	maxLoaded  int
	evictAfter time.Duration
	options    cluster.SuperclusterOptions

	mu           sync.RWMutex
	engines      map[string]*cluster.Supercluster
	lastAccessed map[string]time.Time
}

func NewDatasetStore(dataDir string, maxLoaded int, evictAfter time.Duration, options cluster.SuperclusterOptions) *DatasetStore {
	return &DatasetStore{
		dataDir:      dataDir,
		maxLoaded:    maxLoaded,
		evictAfter:   evictAfter,
		options:      options,
		engines:      make(map[string]*cluster.Supercluster),
		lastAccessed: make(map[string]time.Time),
	}
}

// Create builds a dataset from the given points, snapshots it and keeps the
// engine loaded.
func (s *DatasetStore) Create(points []cluster.Point) (DatasetInfo, error) {
	sc, err := cluster.NewSupercluster(s.options)
	if err != nil {
		return DatasetInfo{}, err
	}
	if err := sc.Load(points); err != nil {
		return DatasetInfo{}, err
	}
	return s.register(sc)
}

// CreateFromGeoJSON builds a dataset from a GeoJSON feature collection.
func (s *DatasetStore) CreateFromGeoJSON(data []byte) (DatasetInfo, error) {
	sc, err := cluster.NewSupercluster(s.options)
	if err != nil {
		return DatasetInfo{}, err
	}
	if err := sc.LoadGeoJSON(data); err != nil {
		return DatasetInfo{}, err
	}
	return s.register(sc)
}

func (s *DatasetStore) register(sc *cluster.Supercluster) (DatasetInfo, error) {
	id := strings.Split(uuid.New().String(), "-")[0]
	path := s.snapshotPath(id, len(sc.Points))
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return DatasetInfo{}, errors.New("creating data directory failed").Wrap(err)
	}
	if err := sc.SaveCompressed(path); err != nil {
		return DatasetInfo{}, err
	}

	s.mu.Lock()
	s.evictIfFullLocked()
	s.engines[id] = sc
	s.lastAccessed[id] = time.Now()
	s.mu.Unlock()

	info, err := s.infoFor(id)
	if err != nil {
		return DatasetInfo{}, err
	}
	logs.WithTag("dataset", id).
		WithTag("points", len(sc.Points)).
		Info("dataset created")
	return info, nil
}

// Get returns the engine for a dataset, loading its snapshot if needed.
func (s *DatasetStore) Get(id string) (*cluster.Supercluster, error) {
	s.mu.RLock()
	sc, ok := s.engines[id]
	s.mu.RUnlock()
	if ok {
		s.touch(id)
		return sc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.engines[id]; ok {
		s.lastAccessed[id] = time.Now()
		return sc, nil
	}

	path, err := s.findSnapshot(id)
	if err != nil {
		return nil, err
	}
	sc, err = cluster.LoadCompressedSupercluster(path)
	if err != nil {
		return nil, err
	}

	s.evictIfFullLocked()
	s.engines[id] = sc
	s.lastAccessed[id] = time.Now()
	logs.WithTag("dataset", id).
		WithTag("points", len(sc.Points)).
		Info("dataset loaded from snapshot")
	return sc, nil
}

// List enumerates every dataset snapshot on disk.
func (s *DatasetStore) List() ([]DatasetInfo, error) {
	entries, err := os.ReadDir(s.dataDir)
	if os.IsNotExist(err) {
		return []DatasetInfo{}, nil
	}
	if err != nil {
		return nil, errors.New("reading data directory failed").
			WithTag("dir", s.dataDir).
			Wrap(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]DatasetInfo, 0, len(entries))
	for _, e := range entries {
		info, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		if fi, err := e.Info(); err == nil {
			info.FileSize = fi.Size()
		}
		_, info.Loaded = s.engines[info.ID]
		infos = append(infos, info)
	}
	return infos, nil
}

// EvictIdle runs one eviction pass, dropping engines idle past the
// configured age.
func (s *DatasetStore) EvictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, last := range s.lastAccessed {
		if now.Sub(last) > s.evictAfter {
			delete(s.engines, id)
			delete(s.lastAccessed, id)
			logs.WithTag("dataset", id).Debug("idle dataset evicted")
		}
	}
}

func (s *DatasetStore) touch(id string) {
	s.mu.Lock()
	s.lastAccessed[id] = time.Now()
	s.mu.Unlock()
}

// evictIfFullLocked drops the least recently used engine once the loaded
// set is full. Caller holds the write lock.
func (s *DatasetStore) evictIfFullLocked() {
	for len(s.engines) >= s.maxLoaded {
		var oldestID string
		var oldestTime time.Time
		first := true
		for id, last := range s.lastAccessed {
			if first || last.Before(oldestTime) {
				oldestID = id
				oldestTime = last
				first = false
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.engines, oldestID)
		delete(s.lastAccessed, oldestID)
		logs.WithTag("dataset", oldestID).Debug("dataset evicted to make room")
	}
}

func (s *DatasetStore) snapshotPath(id string, numPoints int) string {
	timestamp := time.Now().Format("20060102-150405")
	return filepath.Join(s.dataDir, fmt.Sprintf("dataset-%dp-%s-%s.zst", numPoints, timestamp, id))
}

func (s *DatasetStore) findSnapshot(id string) (string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return "", errors.New("reading data directory failed").
			WithTag("dir", s.dataDir).
			Wrap(err)
	}
	for _, e := range entries {
		if info, ok := parseSnapshotName(e.Name()); ok && info.ID == id {
			return filepath.Join(s.dataDir, e.Name()), nil
		}
	}
	return "", errors.New("dataset not found").
		WithTag("dataset", id).
		Wrap(cluster.ErrClusterNotFound)
}

func (s *DatasetStore) infoFor(id string) (DatasetInfo, error) {
	path, err := s.findSnapshot(id)
	if err != nil {
		return DatasetInfo{}, err
	}
	info, _ := parseSnapshotName(filepath.Base(path))
	if fi, err := os.Stat(path); err == nil {
		info.FileSize = fi.Size()
	}
	info.Loaded = true
	return info, nil
}

// parseSnapshotName decodes dataset-{numPoints}p-{date}-{time}-{id}.zst.
func parseSnapshotName(name string) (DatasetInfo, bool) {
	if !strings.HasPrefix(name, "dataset-") || !strings.HasSuffix(name, ".zst") {
		return DatasetInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".zst"), "-")
	if len(parts) != 5 {
		return DatasetInfo{}, false
	}

	numPoints, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil {
		return DatasetInfo{}, false
	}
	timestamp, err := time.ParseInLocation("20060102-150405", parts[2]+"-"+parts[3], time.Local)
	if err != nil {
		return DatasetInfo{}, false
	}

	return DatasetInfo{
		ID:        parts[4],
		NumPoints: numPoints,
		Timestamp: timestamp,
	}, true
}
