// Package index implements the layer index: a transactional index of the
// paths held by every layer, which is the sole source of truth for what
// exists in the store without touching staging directories or containers.
//
// A path may be recorded by many layers. Every read-facing query resolves
// them with the same rule: for each distinct path, the record of the
// greatest layer ID wins. Older records remain until explicitly deleted.
//
// Each operation runs within a single all-or-nothing transaction.
package index

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/metrics"
)

// Index of paths recorded across all layers.
type Index struct {
	db      *sql.DB
	dialect dialect
}

// Open the database of |driver| ("sqlite3" or "postgres") at |dsn|, and
// return an Index over it. The schema is created if it doesn't exist.
func Open(driver, dsn string) (*Index, error) {
	var db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", driver)
	}
	idx, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// New returns an Index over the |db| of |driver|, creating its schema if
// it doesn't exist.
func New(db *sql.DB, driver string) (*Index, error) {
	var d, ok = dialectFor(driver)
	if !ok {
		return nil, errors.Errorf("unsupported index driver %q", driver)
	}
	if d.driver == sqliteDialect.driver {
		// SQLite serializes writers, and each connection to ":memory:" is
		// its own database. Use a single connection.
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, errdefs.IOFailure(err, "creating index schema")
		}
	}
	return &Index{db: db, dialect: d}, nil
}

// Close the Index database.
func (x *Index) Close() error { return x.db.Close() }

// AddDirectory records a Directory for |layerID| at |path| and each of its
// ancestors, returning the Records which were newly created. It fails with
// ErrConflict if any of these paths is recorded as a File by any layer.
// AddDirectory is idempotent, and adding the root is a no-op.
func (x *Index) AddDirectory(layerID int64, path string) (out []Record, err error) {
	err = x.txn("add_directory", func(tx *sql.Tx) error {
		out, err = x.addDirectory(tx, layerID, path)
		return err
	})
	return out, err
}

func (x *Index) addDirectory(tx *sql.Tx, layerID int64, path string) ([]Record, error) {
	var out []Record

	for _, prefix := range prefixes(path) {
		if err := x.checkType(tx, prefix, Directory); err != nil {
			return nil, err
		}
		var id int64
		var err = tx.QueryRow(x.dialect.rebind(
			`SELECT generated_id FROM listing_record WHERE layer_id = ? AND path = ?;`),
			layerID, prefix).Scan(&id)

		if err == nil {
			continue // Already recorded by this layer.
		} else if err != sql.ErrNoRows {
			return nil, err
		}
		if err = tx.QueryRow(x.dialect.rebind(
			`INSERT INTO listing_record (layer_id, path, type, codec) VALUES (?, ?, ?, 0) RETURNING generated_id;`),
			layerID, prefix, Directory).Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, Record{ID: id, LayerID: layerID, Path: prefix, Type: Directory})
	}
	return out, nil
}

// AddFile records a File for |layerID| at |path|, replacing a Record which
// the layer may already hold for the path. The parent directory of |path|
// must be recorded (by any layer), or AddFile fails with ErrNotFound.
// It fails with ErrConflict if any layer records |path| as a Directory.
func (x *Index) AddFile(layerID int64, path string) (Record, error) {
	return x.AddFileWithContent(layerID, path, nil, codecs.NONE)
}

// AddFileWithContent is AddFile, and also inlines |content| encoded with
// |codec| into the Record. A nil |content| records a File which isn't inlined.
func (x *Index) AddFileWithContent(layerID int64, path string, content []byte, codec codecs.Codec) (rec Record, err error) {
	err = x.txn("add_file", func(tx *sql.Tx) error {
		rec, err = x.addFile(tx, layerID, path, content, codec)
		return err
	})
	return rec, err
}

func (x *Index) addFile(tx *sql.Tx, layerID int64, path string, content []byte, codec codecs.Codec) (Record, error) {
	if path == "" {
		return Record{}, errors.WithMessage(errdefs.ErrConflict, "the root is a directory")
	} else if err := x.checkType(tx, path, File); err != nil {
		return Record{}, err
	}

	if parent := parentOf(path); parent != "" {
		var n int
		if err := tx.QueryRow(x.dialect.rebind(
			`SELECT COUNT(*) FROM listing_record WHERE path = ?;`), parent).Scan(&n); err != nil {
			return Record{}, err
		} else if n == 0 {
			return Record{}, errors.WithMessagef(errdefs.ErrNotFound, "parent directory of %q", path)
		}
	}

	// A nil []byte isn't bound as NULL by every driver.
	var contentArg interface{}
	if content != nil {
		contentArg = content
	}
	var rec = Record{LayerID: layerID, Path: path, Type: File, Content: content, Codec: codec}
	var err = tx.QueryRow(x.dialect.rebind(`
		INSERT INTO listing_record (layer_id, path, type, content, codec) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (layer_id, path) DO UPDATE SET content = excluded.content, codec = excluded.codec
		RETURNING generated_id;`),
		layerID, path, File, contentArg, codec).Scan(&rec.ID)

	return rec, err
}

// checkType fails with ErrConflict if any layer records |path| as other
// than |typ|.
func (x *Index) checkType(tx *sql.Tx, path string, typ Type) error {
	var n int
	if err := tx.QueryRow(x.dialect.rebind(
		`SELECT COUNT(*) FROM listing_record WHERE path = ? AND type <> ?;`), path, typ).Scan(&n); err != nil {
		return err
	} else if n != 0 {
		return errors.WithMessagef(errdefs.ErrConflict, "%q is not a %s", path, typ)
	}
	return nil
}

// CheckTypes fails with ErrConflict if recording |dirs| (with their
// ancestors) and |files| would conflict with a Record of any layer.
// It records nothing.
func (x *Index) CheckTypes(dirs, files []string) error {
	return x.txn("check_types", func(tx *sql.Tx) error {
		for _, dir := range dirs {
			for _, prefix := range prefixes(dir) {
				if err := x.checkType(tx, prefix, Directory); err != nil {
					return err
				}
			}
		}
		for _, file := range files {
			if file == "" {
				return errors.WithMessage(errdefs.ErrConflict, "the root is a directory")
			} else if err := x.checkType(tx, file, File); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceRecords removes |remove| and records |dirs| (with their ancestors)
// and then |files| for |layerID|, all within one transaction. It's used to
// (re)index a subtree which was moved into or within a layer.
func (x *Index) ReplaceRecords(remove []Record, layerID int64, dirs, files []string) (out []Record, err error) {
	err = x.txn("replace_records", func(tx *sql.Tx) error {
		for _, rec := range remove {
			if _, err = tx.Exec(x.dialect.rebind(
				`DELETE FROM listing_record WHERE generated_id = ?;`), rec.ID); err != nil {
				return err
			}
		}
		for _, dir := range dirs {
			var recs, err = x.addDirectory(tx, layerID, dir)
			if err != nil {
				return err
			}
			out = append(out, recs...)
		}
		for _, file := range files {
			var rec, err = x.addFile(tx, layerID, file, nil, codecs.NONE)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// FindLayersContaining returns the distinct IDs of layers which record
// |path|, in ascending order.
func (x *Index) FindLayersContaining(path string) (out []int64, err error) {
	err = x.txn("find_layers", func(tx *sql.Tx) error {
		var rows, err = tx.Query(x.dialect.rebind(
			`SELECT DISTINCT layer_id FROM listing_record WHERE path = ? ORDER BY layer_id;`), path)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err = rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// GetByLayerAndPaths returns the Records of |layerID| at any of |paths|.
func (x *Index) GetByLayerAndPaths(layerID int64, paths []string) (out []Record, err error) {
	err = x.txn("get_by_layer", func(tx *sql.Tx) error {
		for _, path := range paths {
			var recs, err = x.queryRecords(tx,
				`SELECT `+recordColumns+` FROM listing_record r WHERE r.layer_id = ? AND r.path = ?;`,
				layerID, path)
			if err != nil {
				return err
			}
			out = append(out, recs...)
		}
		return nil
	})
	return out, err
}

// GetByLayerUnder returns the Records of |layerID| at |prefix| or beneath it.
// The empty |prefix| returns all Records of the layer.
func (x *Index) GetByLayerUnder(layerID int64, prefix string) (out []Record, err error) {
	err = x.txn("get_by_layer", func(tx *sql.Tx) error {
		var where, args = underClause(prefix, true)
		out, err = x.queryRecords(tx,
			`SELECT `+recordColumns+` FROM listing_record r WHERE r.layer_id = ? AND (`+where+`) ORDER BY r.path;`,
			append([]interface{}{layerID}, args...)...)
		return err
	})
	return out, err
}

// DeleteRecords removes |records| by their surrogate IDs.
func (x *Index) DeleteRecords(records []Record) error {
	return x.txn("delete_records", func(tx *sql.Tx) error {
		for _, rec := range records {
			if _, err := tx.Exec(x.dialect.rebind(
				`DELETE FROM listing_record WHERE generated_id = ?;`), rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExistsPathLike returns whether any layer records a path matching the SQL
// LIKE |pattern|.
func (x *Index) ExistsPathLike(pattern string) (ok bool, err error) {
	err = x.txn("exists_like", func(tx *sql.Tx) error {
		var n int
		err = tx.QueryRow(x.dialect.rebind(
			`SELECT COUNT(*) FROM listing_record WHERE path LIKE ?;`), pattern).Scan(&n)
		ok = n != 0
		return err
	})
	return ok, err
}

// SaveLayerState persists the |state| of layer |id|.
func (x *Index) SaveLayerState(id int64, state string) error {
	return x.txn("save_layer_state", func(tx *sql.Tx) error {
		var _, err = tx.Exec(x.dialect.rebind(`
			INSERT INTO layer (id, state) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET state = excluded.state;`), id, state)
		return err
	})
}

// LayerStates returns the persisted state of each layer, keyed on layer ID.
func (x *Index) LayerStates() (out map[int64]string, err error) {
	err = x.txn("layer_states", func(tx *sql.Tx) error {
		var rows, err = tx.Query(`SELECT id, state FROM layer ORDER BY id;`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make(map[int64]string)
		for rows.Next() {
			var id int64
			var state string

			if err = rows.Scan(&id, &state); err != nil {
				return err
			}
			out[id] = state
		}
		return rows.Err()
	})
	return out, err
}

// txn runs |fn| within a transaction which is committed if |fn| succeeds,
// and is otherwise rolled back.
func (x *Index) txn(op string, fn func(*sql.Tx) error) (err error) {
	defer func() {
		var status = metrics.Ok
		if err != nil {
			status = metrics.Fail
		}
		metrics.IndexTxnsTotal.WithLabelValues(op, status).Inc()
	}()

	tx, err := x.db.BeginTx(context.Background(), nil)
	if err != nil {
		return errdefs.IOFailure(err, "beginning index transaction")
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithFields(log.Fields{"err": rbErr, "op": op}).Warn("failed to roll back index transaction")
		}
		if isTaxonomy(err) {
			return err
		}
		return errdefs.IOFailure(err, op)
	}
	if err = tx.Commit(); err != nil {
		return errdefs.IOFailure(err, "committing "+op)
	}
	return nil
}

// isTaxonomy returns whether |err| is already classified.
func isTaxonomy(err error) bool {
	return errdefs.IsConflict(err) || errdefs.IsNotFound(err) || errdefs.IsInvalidPath(err) ||
		errdefs.IsIOFailure(err)
}

// prefixes returns each proper and improper prefix of |path|, root-down.
// The root itself is not included.
func prefixes(path string) []string {
	if path == "" {
		return nil
	}
	var parts = strings.Split(path, "/")
	var out = make([]string, len(parts))

	for i := range parts {
		out[i] = strings.Join(parts[:i+1], "/")
	}
	return out
}

// parentOf returns the parent directory of |path|, or "" for the root.
func parentOf(path string) string {
	if ind := strings.LastIndexByte(path, '/'); ind != -1 {
		return path[:ind]
	}
	return ""
}
