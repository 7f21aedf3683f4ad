package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/graph/graphtest"
	"github.com/keboola/docloop/pkg/config"
)

func TestMain(m *testing.M) {
	code := m.Run()
	// Tear down the shared test database.
	if sharedDB != nil {
		sharedDB.Close()
	}
	if sharedDBName != "" && sharedAdmDSN != "" {
		if a, e := sql.Open("postgres", sharedAdmDSN); e == nil {
			a.Exec(`DROP DATABASE IF EXISTS "` + sharedDBName + `"`)
			a.Close()
		}
	}
	os.Exit(code)
}

// pgParams returns connection parameters from environment variables.
func pgParams() (host, port, user, password string) {
	host = os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port = os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	user = os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "docloop"
	}
	password = os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "docloop"
	}
	return
}

// sharedTestDB holds a single database per test run, reused across tests.
// The schema is created once; each test gets a clean slate via TRUNCATE.
var (
	sharedDB     *PostgresStore
	sharedDBOnce sync.Once
	sharedDBErr  error
	sharedDBName string
	sharedAdmDSN string
)

// newTestDB returns the shared PostgreSQL store with all graph tables
// truncated. Skips the test if postgres is not available.
func newTestDB(t *testing.T) *PostgresStore {
	t.Helper()

	sharedDBOnce.Do(func() {
		host, port, user, password := pgParams()
		sharedAdmDSN = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=postgres sslmode=disable connect_timeout=5",
			host, port, user, password,
		)

		adminDB, err := sql.Open("postgres", sharedAdmDSN)
		if err != nil {
			sharedDBErr = fmt.Errorf("postgres not available: %w", err)
			return
		}
		defer adminDB.Close()
		if err := adminDB.Ping(); err != nil {
			sharedDBErr = fmt.Errorf("postgres not available: %w", err)
			return
		}

		sharedDBName = fmt.Sprintf("docloop_test_%d", time.Now().UnixNano())
		if _, err := adminDB.Exec(`CREATE DATABASE "` + sharedDBName + `"`); err != nil {
			sharedDBErr = fmt.Errorf("cannot create test database: %w", err)
			sharedDBName = ""
			return
		}

		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, sharedDBName)
		sharedDB, sharedDBErr = NewPostgres(dsn)
	})
	if sharedDBErr != nil {
		t.Skipf("Skipping: %v", sharedDBErr)
	}

	if _, err := sharedDB.db.Exec(`
		TRUNCATE graph_edges, graph_nodes;
		UPDATE graph_meta SET value = 0 WHERE key = 'generation';
	`); err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}
	return sharedDB
}

// sharedStore keeps the shared connection open when the suite closes a store
type sharedStore struct {
	graph.Store
}

func (sharedStore) Close() error { return nil }

func TestPostgresStore(t *testing.T) {
	graphtest.Run(t, func(t *testing.T) graph.Store {
		return sharedStore{newTestDB(t)}
	})
}

func TestPostgresStore_PropertiesRoundTripAsJSON(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, "Issue:69", "Issue", map[string]any{
		"number": 69,
		"status": "open",
		"labels": []string{"docs", "pagination"},
	})
	if err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}

	node, err := s.GetNode(ctx, "Issue:69")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if node.Properties.Int("number", 0) != 69 {
		t.Errorf("number = %v", node.Properties["number"])
	}
	if labels := node.Properties.Strings("labels"); len(labels) != 2 || labels[1] != "pagination" {
		t.Errorf("labels = %v", labels)
	}
}

func TestNewPostgres_InvalidDSN(t *testing.T) {
	_, err := NewPostgres("host=127.0.0.1 port=1 user=nobody dbname=none sslmode=disable connect_timeout=1")
	if err == nil {
		t.Fatal("expected error for unreachable postgres")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM graph_nodes WHERE id = ?", "SELECT * FROM graph_nodes WHERE id = $1"},
		{"INSERT INTO t VALUES (?, ?, ?)", "INSERT INTO t VALUES ($1, $2, $3)"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen(t *testing.T) {
	store, err := Open(config.DatabaseConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := store.(*graph.MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", store)
	}
	store.Close()

	store, err = Open(config.DatabaseConfig{Type: "badger", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(badger) error = %v", err)
	}
	if _, ok := store.(*BadgerStore); !ok {
		t.Errorf("Open(badger) = %T", store)
	}
	store.Close()

	if _, err := Open(config.DatabaseConfig{Type: "sqlite"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
