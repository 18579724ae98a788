package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// mysqlDuplicateKeyName is returned by CREATE INDEX when the index exists.
const mysqlDuplicateKeyName = 1061

// dialect captures the few places the supported SQL engines disagree.
type dialect struct {
	driver string
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
		return dialect{driver: driver}, nil
	case "", "sqlite":
		return dialect{driver: DriverSQLite}, nil
	case "postgres", "postgresql":
		return dialect{driver: DriverPostgres}, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// dsn adjusts a data source name for the driver.
func (d dialect) dsn(dsn string) string {
	if d.driver == DriverSQLite && !strings.Contains(dsn, "?") {
		return dsn + "?_foreign_keys=1&_busy_timeout=5000"
	}
	return dsn
}

// rebind rewrites '?' placeholders into the driver's native form.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert builds an insert that overwrites every non-key column on conflict.
func (d dialect) upsert(table, key string, columns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		if d.driver == DriverMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	if d.driver == DriverMySQL {
		return query + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return query + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET ", key) + strings.Join(sets, ", ")
}

// createIndex builds an idempotent CREATE INDEX statement.
func (d dialect) createIndex(name, table string, columns ...string) string {
	if d.driver == DriverMySQL {
		return fmt.Sprintf("CREATE INDEX %s ON %s(%s)", name, table, strings.Join(columns, ", "))
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, strings.Join(columns, ", "))
}

// ignorableSchemaError reports errors that mean the schema object already exists.
func (d dialect) ignorableSchemaError(err error) bool {
	var myErr *mysql.MySQLError
	if d.driver == DriverMySQL && errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateKeyName
	}
	return false
}
