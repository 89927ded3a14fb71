package index

import (
	"database/sql"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
)

const recordColumns = `r.generated_id, r.layer_id, r.path, r.type, r.content, r.codec`

// shadowed returns a query of Records matching |where|, where only the
// Record of the greatest layer ID is selected for each distinct path.
// |where| may reference only the "path" column. This is the single
// implementation of the shadowing rule, and every read-facing query
// of the Index is built with it.
func shadowed(where string) string {
	return `SELECT ` + recordColumns + ` FROM listing_record r
		JOIN (
			SELECT path, MAX(layer_id) AS layer_id FROM listing_record
			WHERE ` + where + `
			GROUP BY path
		) m ON r.path = m.path AND r.layer_id = m.layer_id
		ORDER BY r.path;`
}

// underClause returns a WHERE clause and its arguments matching paths
// strictly beneath directory |prefix| or, if |orSelf|, also |prefix| itself.
func underClause(prefix string, orSelf bool) (string, []interface{}) {
	if prefix == "" {
		return `path <> ''`, nil
	}
	var sub = prefix + "/"
	var where = `substr(path, 1, ?) = ?`
	var args = []interface{}{utf8.RuneCountInString(sub), sub}

	if orSelf {
		where = `path = ? OR ` + where
		args = append([]interface{}{prefix}, args...)
	}
	return where, args
}

// childClause returns a WHERE clause and its arguments matching the
// immediate children of directory |prefix|.
func childClause(prefix string) (string, []interface{}) {
	if prefix == "" {
		return `path <> '' AND path NOT LIKE '%/%'`, nil
	}
	var sub = prefix + "/"
	var n = utf8.RuneCountInString(sub)

	return `substr(path, 1, ?) = ? AND substr(path, ?) NOT LIKE '%/%'`,
		[]interface{}{n, sub, n + 1}
}

func (x *Index) queryRecords(tx *sql.Tx, query string, args ...interface{}) ([]Record, error) {
	var rows, err = tx.Query(x.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err = rows.Scan(&rec.ID, &rec.LayerID, &rec.Path, &rec.Type, &rec.Content, &rec.Codec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// getByPath returns the authoritative Record of |path|, or ok=false.
func (x *Index) getByPath(tx *sql.Tx, path string) (Record, bool, error) {
	var recs, err = x.queryRecords(tx, shadowed(`path = ?`), path)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// GetByPath returns the authoritative Record of |path|, or ErrNotFound.
func (x *Index) GetByPath(path string) (rec Record, err error) {
	err = x.txn("get_by_path", func(tx *sql.Tx) error {
		var ok bool
		if rec, ok, err = x.getByPath(tx, path); err == nil && !ok {
			err = errors.WithMessagef(errdefs.ErrNotFound, "%q", path)
		}
		return err
	})
	return rec, err
}

// ListDirectory returns the authoritative Records of the immediate children
// of directory |path|, ordered on path. The root never lists itself.
// It fails with ErrNotFound if |path| isn't a recorded directory, or with
// ErrConflict if it's a file.
func (x *Index) ListDirectory(path string) (out []Record, err error) {
	err = x.txn("list_directory", func(tx *sql.Tx) error {
		if err = x.checkDirectory(tx, path); err != nil {
			return err
		}
		var where, args = childClause(path)
		out, err = x.queryRecords(tx, shadowed(where), args...)
		return err
	})
	return out, err
}

// ListRecursive returns the authoritative Records of all paths beneath
// directory |path|, at any depth and ordered on path. It fails as does
// ListDirectory.
func (x *Index) ListRecursive(path string) (out []Record, err error) {
	err = x.txn("list_recursive", func(tx *sql.Tx) error {
		if err = x.checkDirectory(tx, path); err != nil {
			return err
		}
		var where, args = underClause(path, false)
		out, err = x.queryRecords(tx, shadowed(where), args...)
		return err
	})
	return out, err
}

func (x *Index) checkDirectory(tx *sql.Tx, path string) error {
	if path == "" {
		return nil
	}
	var rec, ok, err = x.getByPath(tx, path)
	if err != nil {
		return err
	} else if !ok {
		return errors.WithMessagef(errdefs.ErrNotFound, "directory %q", path)
	} else if rec.Type != Directory {
		return errors.WithMessagef(errdefs.ErrConflict, "%q is not a directory", path)
	}
	return nil
}

// IsContentStoredInDatabase returns whether the authoritative Record of
// |path| carries inlined content.
func (x *Index) IsContentStoredInDatabase(path string) (ok bool, err error) {
	err = x.txn("is_inline", func(tx *sql.Tx) error {
		var rec Record
		if rec, ok, err = x.getByPath(tx, path); err == nil {
			ok = ok && rec.IsInline()
		}
		return err
	})
	return ok, err
}

// ReadContentFromDatabase returns the decoded content inlined into the
// authoritative Record of |path|. It fails with ErrNotFound if the Record
// doesn't exist or carries no inlined content.
func (x *Index) ReadContentFromDatabase(path string) (out []byte, err error) {
	var rec Record
	err = x.txn("read_inline", func(tx *sql.Tx) error {
		var ok bool
		if rec, ok, err = x.getByPath(tx, path); err != nil {
			return err
		} else if !ok || !rec.IsInline() {
			return errors.WithMessagef(errdefs.ErrNotFound, "inline content of %q", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out, err = codecs.Decompress(rec.Codec, rec.Content); err != nil {
		return nil, errdefs.IOFailure(err, "decoding inline content of "+path)
	}
	return out, nil
}
