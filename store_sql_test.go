//nolint:testpackage // SQL helpers are unexported.
package dockerizer

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestRebindPlaceholders(t *testing.T) {
	t.Parallel()

	const query = `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`
	if got := rebind(storeDriverMySQL, query); got != query {
		t.Fatalf("mysql query should be untouched, got %q", got)
	}
	want := `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`
	if got := rebind(storeDriverPostgres, query); got != want {
		t.Fatalf("unexpected postgres query %q", got)
	}
}

func TestNormalizeDSNForcesMySQLTimeAndFoundRows(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN(storeDriverMySQL, "web:pw@tcp(db:3306)/roboepics")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse normalized dsn: %v", err)
	}
	if !parsed.ParseTime || !parsed.ClientFoundRows || parsed.DBName != "roboepics" || parsed.Addr != "db:3306" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	const pg = "postgres://web:pw@db/roboepics?sslmode=disable"
	if got, err := normalizeDSN(storeDriverPostgres, pg); err != nil || got != pg {
		t.Fatalf("postgres dsn should be untouched, got %q (%v)", got, err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "mysql other", err: &mysql.MySQLError{Number: 1213, Message: "Deadlock"}, want: false},
		{name: "postgres unique", err: fmt.Errorf("exec: %w", &pq.Error{Code: "23505"}), want: true},
		{name: "postgres other", err: &pq.Error{Code: "40001"}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSQLNotFoundMapsToRecordNotFound(t *testing.T) {
	t.Parallel()

	if err := notFound(sql.ErrNoRows, "run", 3); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	other := errors.New("connection reset")
	if err := notFound(other, "run", 3); !errors.Is(err, other) || errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected the original error, got %v", err)
	}
}
