package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	raw := `create table a (id text);
insert into a values ('x;y');
`
	got := splitStatements(raw)
	if len(got) != 2 {
		t.Fatalf("statements = %d, want 2: %q", len(got), got)
	}
	if !strings.Contains(got[1], "'x;y'") {
		t.Fatalf("quoted semicolon split apart: %q", got[1])
	}
}

func TestCollectScriptsOrderAndFilter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"002_proxies.up.sql", "001_identities.up.sql", "001_identities.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := collectScripts(dir, ".up.sql")
	if err != nil {
		t.Fatalf("collectScripts: %v", err)
	}
	if len(got) != 2 || got[0].name != "001_identities.up.sql" || got[1].name != "002_proxies.up.sql" {
		t.Fatalf("scripts = %+v", got)
	}
}

func TestCollectScriptsMissingDir(t *testing.T) {
	t.Parallel()

	got, err := collectScripts(filepath.Join(t.TempDir(), "absent"), ".sql")
	if err != nil || got != nil {
		t.Fatalf("collectScripts = %v, %v; want nil, nil", got, err)
	}
}

func TestUpAppliesOnlyPending(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"001_identities.up.sql", "002_proxies.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("create table x (id text);"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists rollcall_schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists rollcall_schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from rollcall_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_identities.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into rollcall_schema_migrations").
		WithArgs("002_proxies.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mgr := NewManager(db, dir, "")
	ran, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(ran) != 1 || ran[0] != "002_proxies.up.sql" {
		t.Fatalf("ran = %v, want just the pending script", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists rollcall_schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists rollcall_schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from rollcall_schema_migrations order by").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := NewManager(db, t.TempDir(), "").Down(context.Background()); err == nil {
		t.Fatal("Down with empty history returned nil error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
