package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/models"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// This is used throughout the database package for parameterized queries.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// PostgresStore is a graph.Store persisted in PostgreSQL. Properties are
// stored as JSONB; edge uniqueness is enforced by the primary key.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres opens a PostgreSQL connection and initialises the graph schema.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (updated_at >= created_at)
	);

	CREATE TABLE IF NOT EXISTS graph_edges (
		from_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
		to_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
		relationship TEXT NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (from_id, to_id, relationship)
	);

	-- Monotonic mutation counter used as a cache key
	CREATE TABLE IF NOT EXISTS graph_meta (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(type, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_id);

	INSERT INTO graph_meta (key, value) VALUES ('generation', 0) ON CONFLICT (key) DO NOTHING;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isRetryable reports whether err is a serialization failure, deadlock or a
// unique violation raised by a racing insert.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

// withTx runs fn in a transaction, retrying once on a write conflict.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		log.Printf("[GraphStore] Warning: write conflict (attempt %d): %v", attempt+1, err)
	}
	return fmt.Errorf("%w: %v", graph.ErrConcurrentModification, err)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, rebind(`UPDATE graph_meta SET value = value + 1 WHERE key = ?`), "generation")
	if err != nil {
		return fmt.Errorf("failed to bump generation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		node  models.Node
		typ   string
		props []byte
	)
	if err := row.Scan(&node.ID, &typ, &props, &node.CreatedAt, &node.UpdatedAt); err != nil {
		return nil, err
	}
	node.Type = models.NodeType(typ)
	node.Properties = models.Properties{}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &node.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", node.ID, err)
		}
	}
	return &node, nil
}

func scanEdge(row rowScanner) (*models.Edge, error) {
	var (
		edge  models.Edge
		rel   string
		props []byte
	)
	if err := row.Scan(&edge.FromID, &edge.ToID, &rel, &props, &edge.CreatedAt); err != nil {
		return nil, err
	}
	edge.Relationship = models.Relationship(rel)
	edge.Properties = models.Properties{}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &edge.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode edge properties: %w", err)
		}
	}
	return &edge, nil
}

func marshalProps(p models.Properties) ([]byte, error) {
	if p == nil {
		p = models.Properties{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	return data, nil
}

const nodeColumns = `id, type, properties, created_at, updated_at`
const edgeColumns = `from_id, to_id, relationship, properties, created_at`

func (s *PostgresStore) UpsertNode(ctx context.Context, id string, t models.NodeType, props models.Properties) (*models.Node, error) {
	var result *models.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanNode(tx.QueryRowContext(ctx,
			rebind(`SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ? FOR NO KEY UPDATE`), id))
		if err == sql.ErrNoRows {
			existing = nil
		} else if err != nil {
			return fmt.Errorf("failed to load node %s: %w", id, err)
		}

		node, err := graph.PrepareNode(existing, id, t, props, s.now())
		if err != nil {
			return err
		}
		data, err := marshalProps(node.Properties)
		if err != nil {
			return err
		}

		if existing == nil {
			_, err = tx.ExecContext(ctx, rebind(`
				INSERT INTO graph_nodes (id, type, properties, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`),
				node.ID, string(node.Type), data, node.CreatedAt, node.UpdatedAt)
		} else {
			_, err = tx.ExecContext(ctx, rebind(`
				UPDATE graph_nodes SET properties = ?, updated_at = ? WHERE id = ?`),
				data, node.UpdatedAt, node.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to write node %s: %w", id, err)
		}
		if err := bumpGeneration(ctx, tx); err != nil {
			return err
		}
		result = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, fromID, toID string, rel models.Relationship, props models.Properties) (*models.Edge, error) {
	if err := graph.CheckRelationship(rel); err != nil {
		return nil, err
	}

	now := s.now()
	// Both endpoints are resolved before any write so an invalid id
	// leaves the graph untouched.
	placeholders := make([]*models.Node, 0, 2)
	for _, endpoint := range []string{fromID, toID} {
		node, err := graph.PlaceholderNode(endpoint, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create placeholder for %s: %w", endpoint, err)
		}
		placeholders = append(placeholders, node)
	}

	edgeProps, err := marshalProps(props)
	if err != nil {
		return nil, err
	}

	var result *models.Edge
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, node := range placeholders {
			data, err := marshalProps(node.Properties)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, rebind(`
				INSERT INTO graph_nodes (id, type, properties, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING`),
				node.ID, string(node.Type), data, node.CreatedAt, node.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert placeholder %s: %w", node.ID, err)
			}
		}

		res, err := tx.ExecContext(ctx, rebind(`
			INSERT INTO graph_edges (from_id, to_id, relationship, properties, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (from_id, to_id, relationship) DO NOTHING`),
			fromID, toID, string(rel), edgeProps, now)
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := bumpGeneration(ctx, tx); err != nil {
				return err
			}
		}

		edge, err := scanEdge(tx.QueryRowContext(ctx, rebind(`
			SELECT `+edgeColumns+` FROM graph_edges
			WHERE from_id = ? AND to_id = ? AND relationship = ?`),
			fromID, toID, string(rel)))
		if err != nil {
			return fmt.Errorf("failed to read edge: %w", err)
		}
		result = edge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx,
		rebind(`SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return node, nil
}

func (s *PostgresStore) queryEdges(ctx context.Context, q queryer, query string, args ...any) ([]*models.Edge, error) {
	rows, err := q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := []*models.Edge{}
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) queryNodes(ctx context.Context, q queryer, query string, args ...any) ([]*models.Node, error) {
	rows, err := q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) EdgesFrom(ctx context.Context, id string) ([]*models.Edge, error) {
	return s.queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM graph_edges
		WHERE from_id = ? ORDER BY relationship, from_id, to_id`, id)
}

func (s *PostgresStore) EdgesTo(ctx context.Context, id string) ([]*models.Edge, error) {
	return s.queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM graph_edges
		WHERE to_id = ? ORDER BY relationship, from_id, to_id`, id)
}

func (s *PostgresStore) NodesByType(ctx context.Context, t models.NodeType) ([]*models.Node, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", graph.ErrInvalidType, t)
	}
	return s.queryNodes(ctx, s.db, `SELECT `+nodeColumns+` FROM graph_nodes
		WHERE type = ? ORDER BY updated_at DESC, id ASC`, string(t))
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var typ string
		err := tx.QueryRowContext(ctx, rebind(`SELECT type FROM graph_nodes WHERE id = ? FOR UPDATE`), id).Scan(&typ)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", graph.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load node %s: %w", id, err)
		}
		if err := graph.CheckDeletable(models.NodeType(typ)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, rebind(`DELETE FROM graph_edges WHERE from_id = ? OR to_id = ?`), id, id); err != nil {
			return fmt.Errorf("failed to delete edges of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, rebind(`DELETE FROM graph_nodes WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete node %s: %w", id, err)
		}
		return bumpGeneration(ctx, tx)
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.GraphStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	stats := models.NewGraphStats()

	rows, err := tx.QueryContext(ctx, `SELECT type, COUNT(*) FROM graph_nodes GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.NodeCountByType[models.NodeType(typ)] = n
		stats.TotalNodes += n
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT relationship, COUNT(*) FROM graph_edges GROUP BY relationship`)
	if err != nil {
		return nil, fmt.Errorf("failed to count edges: %w", err)
	}
	for rows.Next() {
		var rel string
		var n int
		if err := rows.Scan(&rel, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EdgeCountByRelationship[models.Relationship(rel)] = n
		stats.TotalEdges += n
	}
	rows.Close()

	if stats.Generation, err = readGeneration(ctx, tx); err != nil {
		return nil, err
	}
	return stats, tx.Commit()
}

func readGeneration(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (uint64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, rebind(`SELECT value FROM graph_meta WHERE key = ?`), "generation").Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return uint64(gen), nil
}

// Snapshot reads every node and edge inside one REPEATABLE READ transaction,
// so writers are never blocked and the view is consistent.
func (s *PostgresStore) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	gen, err := readGeneration(ctx, tx)
	if err != nil {
		return nil, err
	}
	nodes, err := s.queryNodes(ctx, tx, `SELECT `+nodeColumns+` FROM graph_nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	edges, err := s.queryEdges(ctx, tx, `SELECT `+edgeColumns+` FROM graph_edges ORDER BY relationship, from_id, to_id`)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish snapshot: %w", err)
	}

	if nodes == nil {
		nodes = []*models.Node{}
	}
	return &graph.Snapshot{
		Nodes:      nodes,
		Edges:      edges,
		Generation: gen,
		TakenAt:    s.now(),
	}, nil
}

func (s *PostgresStore) Generation(ctx context.Context) (uint64, error) {
	return readGeneration(ctx, s.db)
}

var _ graph.Store = (*PostgresStore)(nil)
