package mainboilerplate

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/coldstore"
	"go.layerstore.dev/core/index"
	"go.layerstore.dev/core/manager"
	"go.layerstore.dev/core/storage"
)

// IndexConfig configures the layer index database.
type IndexConfig struct {
	Driver string `long:"driver" env:"DRIVER" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"Database driver of the layer index"`
	DSN    string `long:"dsn" env:"DSN" default:"layerstore.db" description:"Data source name of the layer index (eg, a SQLite file path or a Postgres connection string)"`
}

// StoreConfig configures the on-disk layout and archival of a store.
type StoreConfig struct {
	StagingRoot string   `long:"staging-root" env:"STAGING_ROOT" default:"layers/staging" description:"Directory holding the staging directory of each un-archived layer"`
	ArchiveRoot string   `long:"archive-root" env:"ARCHIVE_ROOT" default:"layers/archive" description:"Directory holding the container of each archived layer"`
	Concurrency int      `long:"archive-concurrency" env:"ARCHIVE_CONCURRENCY" default:"1" description:"Maximum number of layers archived concurrently"`
	ColdStores  []string `long:"cold-store" env:"COLD_STORES" env-delim:"," description:"Cold store URL to which archived containers are offloaded (eg, s3://bucket/prefix/). May be repeated"`
	InlineCodec string   `long:"inline-codec" env:"INLINE_CODEC" default:"gzip" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Codec of repository metadata inlined into the index"`
	CacheSize   int      `long:"inline-cache" env:"INLINE_CACHE" default:"1024" description:"Number of decoded inline files to cache"`
}

// Store composes the assembled components of a store.
type Store struct {
	Index   *index.Index
	Manager *manager.Manager
	*storage.Storage
}

// OpenStore opens the index of |idxCfg| and assembles a Store over it,
// recovering layers persisted by a prior process.
func OpenStore(idxCfg IndexConfig, cfg StoreConfig) (*Store, error) {
	var codec, err = codecs.ParseCodec(cfg.InlineCodec)
	if err != nil {
		return nil, err
	}
	cold, err := coldstore.GetAll(cfg.ColdStores)
	if err != nil {
		return nil, errors.WithMessage(err, "building cold stores")
	}
	idx, err := index.Open(idxCfg.Driver, idxCfg.DSN)
	if err != nil {
		return nil, errors.WithMessage(err, "opening index")
	}

	var fs = afero.NewOsFs()
	m, err := manager.New(manager.Config{
		StagingRoot: cfg.StagingRoot,
		ArchiveRoot: cfg.ArchiveRoot,
		Fs:          fs,
		Concurrency: cfg.Concurrency,
		ColdStores:  cold,
	}, idx)
	if err != nil {
		_ = idx.Close()
		return nil, errors.WithMessage(err, "recovering layers")
	}
	s, err := storage.New(m, idx, index.InventoryPolicy{InlineCodec: codec}, fs, cfg.CacheSize)
	if err != nil {
		m.Close()
		_ = idx.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"driver":  idxCfg.Driver,
		"staging": cfg.StagingRoot,
		"archive": cfg.ArchiveRoot,
		"layers":  len(m.Layers()),
	}).Debug("opened store")

	return &Store{Index: idx, Manager: m, Storage: s}, nil
}

// MustOpenStore is OpenStore, which panics on error.
func MustOpenStore(idxCfg IndexConfig, cfg StoreConfig) *Store {
	var s, err = OpenStore(idxCfg, cfg)
	Must(err, "failed to open store")
	return s
}

// Close the Store, draining pending archive jobs before closing the index.
func (s *Store) Close() {
	s.Storage.Close()

	if err := s.Index.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close index")
	}
}
