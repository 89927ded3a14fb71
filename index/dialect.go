package index

import (
	"strconv"
	"strings"
)

// dialect captures SQL differences between supported database drivers.
type dialect struct {
	driver string
	schema []string
	// Rewrite "?" placeholders into numbered "$N" placeholders.
	numbered bool
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	schema: []string{`
		CREATE TABLE IF NOT EXISTS listing_record (
			generated_id INTEGER PRIMARY KEY AUTOINCREMENT,
			layer_id     INTEGER NOT NULL,
			path         TEXT    NOT NULL,
			type         TEXT    NOT NULL,
			content      BLOB,
			codec        INTEGER NOT NULL DEFAULT 0,
			UNIQUE (layer_id, path)
		);`,
		`CREATE INDEX IF NOT EXISTS listing_record_path ON listing_record (path);`,
		`CREATE TABLE IF NOT EXISTS layer (
			id    INTEGER PRIMARY KEY,
			state TEXT    NOT NULL
		);`,
	},
}

var postgresDialect = dialect{
	driver: "postgres",
	schema: []string{`
		CREATE TABLE IF NOT EXISTS listing_record (
			generated_id BIGSERIAL PRIMARY KEY,
			layer_id     BIGINT    NOT NULL,
			path         TEXT      NOT NULL,
			type         TEXT      NOT NULL,
			content      BYTEA,
			codec        INTEGER   NOT NULL DEFAULT 0,
			UNIQUE (layer_id, path)
		);`,
		`CREATE INDEX IF NOT EXISTS listing_record_path ON listing_record (path);`,
		`CREATE TABLE IF NOT EXISTS layer (
			id    BIGINT PRIMARY KEY,
			state TEXT   NOT NULL
		);`,
	},
	numbered: true,
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case sqliteDialect.driver:
		return sqliteDialect, true
	case postgresDialect.driver:
		return postgresDialect, true
	default:
		return dialect{}, false
	}
}

// rebind |query| for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	var n int

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
