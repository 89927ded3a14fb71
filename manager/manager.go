// Package manager maintains the ordered stack of layers: the single Open
// top layer receiving writes, and the older Closed and Archived layers
// beneath it. Rolling over to a new top layer closes the previous one and
// submits it for background archival.
package manager

import (
	"context"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/archive"
	"go.layerstore.dev/core/async"
	"go.layerstore.dev/core/coldstore"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/index"
	"go.layerstore.dev/core/layer"
	"go.layerstore.dev/core/metrics"
)

// Config of a Manager.
type Config struct {
	// StagingRoot holds the staging directory of each un-archived layer,
	// named by its decimal layer ID.
	StagingRoot string
	// ArchiveRoot holds the container of each archived layer, named
	// "<id>.zip".
	ArchiveRoot string
	// Fs of StagingRoot and ArchiveRoot. If nil, the OS filesystem is used.
	Fs afero.Fs
	// Concurrency bounds the number of concurrent archive jobs. Defaults to 1.
	Concurrency int
	// ErrorBuffer is the capacity of the channel returned by Errors.
	// Reports which would overflow it are logged and dropped. Defaults to 16.
	ErrorBuffer int
	// ColdStores to which containers are offloaded once archived.
	ColdStores []coldstore.Store
}

// Manager of the layer stack.
type Manager struct {
	cfg      Config
	index    *index.Index
	archiver *archiver

	rollMu sync.Mutex // Serializes NewTopLayer.
	mu     sync.Mutex
	layers map[int64]*layer.Layer
	top    *layer.Layer
	lastID int64

	closeOnce sync.Once
}

// timeNow is swapped out by tests.
var timeNow = time.Now

// New returns a Manager of layers indexed by |idx|, recovering layers
// persisted by a prior Manager of the same Config. Layers found Closing are
// recovered as Closed, and the newest Open layer resumes as the top layer.
func New(cfg Config, idx *index.Index) (*Manager, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = 16
	}
	for _, dir := range []string{cfg.StagingRoot, cfg.ArchiveRoot} {
		if err := cfg.Fs.MkdirAll(dir, 0750); err != nil {
			return nil, errdefs.IOFailure(err, "creating "+dir)
		}
	}

	var m = &Manager{
		cfg:      cfg,
		index:    idx,
		archiver: newArchiver(cfg.Concurrency, cfg.ErrorBuffer),
		layers:   make(map[int64]*layer.Layer),
	}
	if len(cfg.ColdStores) != 0 {
		m.archiver.offloadFn = m.offload
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	go m.archiver.serve()

	return m, nil
}

// NewTopLayer opens a new top layer having an ID strictly greater than any
// prior layer. The previous top layer, if any, is closed (which blocks
// until its in-flight mutations drain) and submitted for archival. The
// returned Operation resolves when that archive job completes, and is nil
// if there was no previous top layer.
func (m *Manager) NewTopLayer() (*layer.Layer, *async.Operation, error) {
	m.rollMu.Lock()
	defer m.rollMu.Unlock()

	m.mu.Lock()
	var id = timeNow().UnixMilli()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	var prev = m.top
	m.mu.Unlock()

	var staging = m.stagingDir(id)
	if err := m.cfg.Fs.MkdirAll(staging, 0750); err != nil {
		return nil, nil, errdefs.IOFailure(err, "creating "+staging)
	}
	var arch, err = archive.NewZipArchive(m.cfg.Fs, m.containerPath(id))
	if err != nil {
		return nil, nil, err
	}
	if err = m.index.SaveLayerState(id, layer.Open.String()); err != nil {
		return nil, nil, err
	}
	var top = layer.New(id, m.cfg.Fs, staging, arch, m.index, layer.Open)

	m.mu.Lock()
	m.layers[id] = top
	m.top = top
	m.lastID = id
	m.mu.Unlock()

	metrics.LayersOpenedTotal.Inc()
	log.WithFields(log.Fields{"layer": id, "staging": staging}).Info("opened top layer")

	if prev == nil {
		return top, nil, nil
	}
	if err = prev.Close(); err != nil {
		return top, nil, errors.WithMessagef(err, "closing layer %d", prev.ID())
	}
	return top, m.archiver.submit(prev), nil
}

// GetTopLayer returns the current top layer.
func (m *Manager) GetTopLayer() (*layer.Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.top == nil {
		return nil, errors.WithMessage(errdefs.ErrNotFound, "no top layer has been opened")
	}
	return m.top, nil
}

// GetLayer returns the layer of |id|. A layer unknown to the Manager is
// reconstructed from its container (as Archived) or its staging directory
// (as Closed).
func (m *Manager) GetLayer(id int64) (*layer.Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.layers[id]; ok {
		return l, nil
	}

	var state layer.State
	if ok, err := m.exists(m.containerPath(id)); err != nil {
		return nil, err
	} else if ok {
		state = layer.Archived
	} else if ok, err = m.exists(m.stagingDir(id)); err != nil {
		return nil, err
	} else if ok {
		state = layer.Closed
	} else {
		return nil, errors.WithMessagef(errdefs.ErrNotFound, "layer %d", id)
	}

	var l, err = m.build(id, state)
	if err != nil {
		return nil, err
	}
	m.layers[id] = l
	return l, nil
}

// Layers returns all known layers, in ascending ID order.
func (m *Manager) Layers() []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make([]*layer.Layer, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FindLayersContaining returns layers which record |path|, in ascending
// ID order.
func (m *Manager) FindLayersContaining(path string) ([]*layer.Layer, error) {
	var ids, err = m.index.FindLayersContaining(path)
	if err != nil {
		return nil, err
	}
	var out = make([]*layer.Layer, 0, len(ids))
	for _, id := range ids {
		var l, err = m.GetLayer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// PendingArchival returns Closed layers which are not yet Archived, in
// ascending ID order. These include layers whose archive job failed.
func (m *Manager) PendingArchival() []*layer.Layer {
	var out []*layer.Layer
	for _, l := range m.Layers() {
		if l.State() == layer.Closed {
			out = append(out, l)
		}
	}
	return out
}

// Archive submits the layer of |id| for archival. The layer must be Closed
// by the time the job runs.
func (m *Manager) Archive(id int64) *async.Operation {
	var l, err = m.GetLayer(id)
	if err != nil {
		return async.FinishedOperation(err)
	}
	return m.archiver.submit(l)
}

// Errors returns a channel of failed archive jobs.
func (m *Manager) Errors() <-chan ArchiveError { return m.archiver.errCh }

// Close the Manager, blocking until every submitted archive job completes.
// The top layer is left Open, and resumes as top on the next New.
func (m *Manager) Close() {
	m.closeOnce.Do(m.archiver.finish)
}

// ContainerName of the layer |id| within ArchiveRoot and cold stores.
func ContainerName(id int64) string { return strconv.FormatInt(id, 10) + ".zip" }

func (m *Manager) stagingDir(id int64) string {
	return path.Join(m.cfg.StagingRoot, strconv.FormatInt(id, 10))
}

func (m *Manager) containerPath(id int64) string {
	return path.Join(m.cfg.ArchiveRoot, ContainerName(id))
}

func (m *Manager) build(id int64, state layer.State) (*layer.Layer, error) {
	var arch, err = archive.NewZipArchive(m.cfg.Fs, m.containerPath(id))
	if err != nil {
		return nil, err
	}
	return layer.New(id, m.cfg.Fs, m.stagingDir(id), arch, m.index, state), nil
}

func (m *Manager) exists(p string) (bool, error) {
	var ok, err = afero.Exists(m.cfg.Fs, p)
	if err != nil {
		return false, errdefs.IOFailure(err, "checking "+p)
	}
	return ok, nil
}

// recover rebuilds the layer stack from persisted layer states and the
// staging directories and containers present on disk.
func (m *Manager) recover() error {
	var persisted, err = m.index.LayerStates()
	if err != nil {
		return err
	}
	var ids = make(map[int64]struct{}, len(persisted))
	for id := range persisted {
		ids[id] = struct{}{}
	}
	if err = m.scan(m.cfg.StagingRoot, "", ids); err != nil {
		return err
	}
	if err = m.scan(m.cfg.ArchiveRoot, ".zip", ids); err != nil {
		return err
	}

	var sorted = make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	// Walk from newest to oldest, so that only the newest surviving layer
	// may resume as Open.
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	if len(sorted) != 0 {
		m.lastID = sorted[0]
	}
	for _, id := range sorted {
		var state, err = m.recoveredState(id, persisted[id], len(m.layers) == 0)
		if err != nil {
			return err
		} else if state == nil {
			continue
		}
		l, err := m.build(id, *state)
		if err != nil {
			return err
		}
		m.layers[id] = l

		if *state == layer.Open {
			m.top = l
		}
		log.WithFields(log.Fields{"layer": id, "state": *state}).Debug("recovered layer")
	}
	return nil
}

// recoveredState returns the State of layer |id| given its |persisted| state
// and on-disk presence, or nil if the layer no longer exists. Only the
// |newest| layer may resume as Open.
func (m *Manager) recoveredState(id int64, persisted string, newest bool) (*layer.State, error) {
	var hasContainer, err = m.exists(m.containerPath(id))
	if err != nil {
		return nil, err
	}
	hasStaging, err := m.exists(m.stagingDir(id))
	if err != nil {
		return nil, err
	}

	var state layer.State
	switch {
	case hasContainer:
		// A container is only ever present once fully packed.
		state = layer.Archived
		if hasStaging {
			if err = m.cfg.Fs.RemoveAll(m.stagingDir(id)); err != nil {
				log.WithFields(log.Fields{"layer": id, "err": err}).
					Warn("failed to reclaim staging directory of archived layer")
			}
		}
	case hasStaging && persisted == layer.Open.String() && newest:
		state = layer.Open
	case hasStaging:
		state = layer.Closed
	default:
		log.WithFields(log.Fields{"layer": id, "state": persisted}).
			Warn("layer has neither staging directory nor container (skipping)")
		return nil, nil
	}

	if persisted != state.String() {
		if err = m.index.SaveLayerState(id, state.String()); err != nil {
			return nil, err
		}
	}
	return &state, nil
}

// scan adds to |ids| the layer ID of each entry of |dir| named
// "<id><suffix>".
func (m *Manager) scan(dir, suffix string, ids map[int64]struct{}) error {
	var infos, err = afero.ReadDir(m.cfg.Fs, dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errdefs.IOFailure(err, "reading "+dir)
	}

	for _, info := range infos {
		var name = info.Name()
		if !strings.HasSuffix(name, suffix) || (suffix == "") != info.IsDir() {
			continue
		}
		if id, err := strconv.ParseInt(strings.TrimSuffix(name, suffix), 10, 64); err == nil {
			ids[id] = struct{}{}
		}
	}
	return nil
}

// offload copies the container of archived layer |l| to each cold store.
func (m *Manager) offload(ctx context.Context, l *layer.Layer) error {
	var name = m.containerPath(l.ID())

	var f, err = m.cfg.Fs.Open(name)
	if err != nil {
		return errdefs.IOFailure(err, "opening "+name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errdefs.IOFailure(err, "stat of "+name)
	}
	return coldstore.Offload(ctx, m.cfg.ColdStores, ContainerName(l.ID()), f, info.Size())
}
