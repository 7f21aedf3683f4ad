package database

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/models"
)

// Key layout:
//
//	n/<id>                      node JSON
//	o/<from>\x00<rel>\x00<to>   edge JSON
//	i/<to>\x00<rel>\x00<from>   reverse adjacency marker
//	m/generation                big-endian uint64
var (
	prefixNode    = []byte("n/")
	prefixOut     = []byte("o/")
	prefixIn      = []byte("i/")
	keyGeneration = []byte("m/generation")
)

const keySep = "\x00"

// BadgerConfig configures the embedded store
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore is an embedded, durable graph.Store on BadgerDB. Reads use
// badger's MVCC snapshots and never block writers.
type BadgerStore struct {
	db *badger.DB
	// writeMu serialises writers; every write touches the generation key
	// and would otherwise conflict under badger's optimistic transactions.
	writeMu sync.Mutex
	now     func() time.Time
}

// badgerLogger routes badger's internal logging through the standard logger
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[GraphStore] badger error: "+format, args...)
}
func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("[GraphStore] badger warning: "+format, args...)
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

// NewBadger opens (or creates) a badger-backed graph
func NewBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent graph database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Close closes the underlying badger database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func nodeKey(id string) []byte {
	return append(append([]byte{}, prefixNode...), id...)
}

func outKey(from string, rel models.Relationship, to string) []byte {
	return []byte(string(prefixOut) + from + keySep + string(rel) + keySep + to)
}

func inKey(to string, rel models.Relationship, from string) []byte {
	return []byte(string(prefixIn) + to + keySep + string(rel) + keySep + from)
}

func adjacencyPrefix(prefix []byte, id string) []byte {
	return []byte(string(prefix) + id + keySep)
}

// splitAdjacency parses "<prefix><a>\x00<rel>\x00<b>"
func splitAdjacency(key, prefix []byte) (string, models.Relationship, string, bool) {
	parts := bytes.SplitN(key[len(prefix):], []byte(keySep), 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), models.Relationship(parts[1]), string(parts[2]), true
}

// update runs fn in a read-write transaction, retrying once on conflict.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		log.Printf("[GraphStore] Warning: badger transaction conflict, retrying once")
		err = s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", graph.ErrConcurrentModification, err)
		}
	}
	return err
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getNode(txn *badger.Txn, id string) (*models.Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", id, err)
	}
	var node models.Node
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &node) }); err != nil {
		return nil, fmt.Errorf("failed to decode node %s: %w", id, err)
	}
	if node.Properties == nil {
		node.Properties = models.Properties{}
	}
	return &node, nil
}

func putNode(txn *badger.Txn, node *models.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", node.ID, err)
	}
	return txn.Set(nodeKey(node.ID), data)
}

func getEdge(txn *badger.Txn, key []byte) (*models.Edge, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var edge models.Edge
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
		return nil, fmt.Errorf("failed to decode edge: %w", err)
	}
	if edge.Properties == nil {
		edge.Properties = models.Properties{}
	}
	return &edge, nil
}

func readGenerationTxn(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(keyGeneration)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	var gen uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt generation value (%d bytes)", len(val))
		}
		gen = binary.BigEndian.Uint64(val)
		return nil
	})
	return gen, err
}

func bumpGenerationTxn(txn *badger.Txn) error {
	gen, err := readGenerationTxn(txn)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, gen+1)
	return txn.Set(keyGeneration, buf)
}

func (s *BadgerStore) UpsertNode(ctx context.Context, id string, t models.NodeType, props models.Properties) (*models.Node, error) {
	var result *models.Node
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getNode(txn, id)
		if errors.Is(err, graph.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return err
		}
		node, err := graph.PrepareNode(existing, id, t, props, s.now())
		if err != nil {
			return err
		}
		if err := putNode(txn, node); err != nil {
			return err
		}
		if err := bumpGenerationTxn(txn); err != nil {
			return err
		}
		result = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

func (s *BadgerStore) UpsertEdge(ctx context.Context, fromID, toID string, rel models.Relationship, props models.Properties) (*models.Edge, error) {
	if err := graph.CheckRelationship(rel); err != nil {
		return nil, err
	}

	var result *models.Edge
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := outKey(fromID, rel, toID)
		existing, err := getEdge(txn, key)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to read edge: %w", err)
		}

		now := s.now()
		for _, endpoint := range []string{fromID, toID} {
			_, err := getNode(txn, endpoint)
			if err == nil {
				continue
			}
			if !errors.Is(err, graph.ErrNotFound) {
				return err
			}
			node, err := graph.PlaceholderNode(endpoint, now)
			if err != nil {
				return fmt.Errorf("failed to create placeholder for %s: %w", endpoint, err)
			}
			if err := putNode(txn, node); err != nil {
				return err
			}
		}

		edge := &models.Edge{
			FromID:       fromID,
			ToID:         toID,
			Relationship: rel,
			Properties:   props.Clone(),
			CreatedAt:    now,
		}
		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(inKey(toID, rel, fromID), nil); err != nil {
			return err
		}
		if err := bumpGenerationTxn(txn); err != nil {
			return err
		}
		result = edge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

func (s *BadgerStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	var node *models.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		node, err = getNode(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BadgerStore) EdgesFrom(ctx context.Context, id string) ([]*models.Edge, error) {
	edges := []*models.Edge{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := adjacencyPrefix(prefixOut, id)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var edge models.Edge
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
				return fmt.Errorf("failed to decode edge: %w", err)
			}
			if edge.Properties == nil {
				edge.Properties = models.Properties{}
			}
			edges = append(edges, &edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	graph.SortEdges(edges)
	return edges, nil
}

func (s *BadgerStore) EdgesTo(ctx context.Context, id string) ([]*models.Edge, error) {
	edges := []*models.Edge{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := adjacencyPrefix(prefixIn, id)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			to, rel, from, ok := splitAdjacency(it.Item().KeyCopy(nil), prefixIn)
			if !ok {
				continue
			}
			edge, err := getEdge(txn, outKey(from, rel, to))
			if err != nil {
				return fmt.Errorf("dangling reverse edge %s -> %s: %w", from, to, err)
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	graph.SortEdges(edges)
	return edges, nil
}

func (s *BadgerStore) scanNodes(txn *badger.Txn, keep func(*models.Node) bool) ([]*models.Node, error) {
	var nodes []*models.Node
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixNode, PrefetchValues: true})
	defer it.Close()
	for it.Seek(prefixNode); it.ValidForPrefix(prefixNode); it.Next() {
		var node models.Node
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &node) }); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		if node.Properties == nil {
			node.Properties = models.Properties{}
		}
		if keep == nil || keep(&node) {
			nodes = append(nodes, &node)
		}
	}
	return nodes, nil
}

func (s *BadgerStore) scanEdges(txn *badger.Txn) ([]*models.Edge, error) {
	edges := []*models.Edge{}
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixOut, PrefetchValues: true})
	defer it.Close()
	for it.Seek(prefixOut); it.ValidForPrefix(prefixOut); it.Next() {
		var edge models.Edge
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
			return nil, fmt.Errorf("failed to decode edge: %w", err)
		}
		if edge.Properties == nil {
			edge.Properties = models.Properties{}
		}
		edges = append(edges, &edge)
	}
	return edges, nil
}

// NodesByType scans the node keyspace; the graph is small enough that a
// secondary type index is not worth its write cost.
func (s *BadgerStore) NodesByType(ctx context.Context, t models.NodeType) ([]*models.Node, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", graph.ErrInvalidType, t)
	}
	var nodes []*models.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		nodes, err = s.scanNodes(txn, func(n *models.Node) bool { return n.Type == t })
		return err
	})
	if err != nil {
		return nil, err
	}
	graph.SortNewestFirst(nodes)
	return nodes, nil
}

func (s *BadgerStore) DeleteNode(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		node, err := getNode(txn, id)
		if err != nil {
			return err
		}
		if err := graph.CheckDeletable(node.Type); err != nil {
			return err
		}

		var doomed [][]byte
		collect := func(prefix []byte, pair func(a string, rel models.Relationship, b string) []byte) {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				doomed = append(doomed, key)
				if a, rel, b, ok := splitAdjacency(key, prefix[:2]); ok {
					doomed = append(doomed, pair(a, rel, b))
				}
			}
		}
		// outgoing edges and their reverse markers
		collect(adjacencyPrefix(prefixOut, id), func(from string, rel models.Relationship, to string) []byte {
			return inKey(to, rel, from)
		})
		// incoming edges and their forward records
		collect(adjacencyPrefix(prefixIn, id), func(to string, rel models.Relationship, from string) []byte {
			return outKey(from, rel, to)
		})

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete edge key: %w", err)
			}
		}
		if err := txn.Delete(nodeKey(id)); err != nil {
			return fmt.Errorf("failed to delete node %s: %w", id, err)
		}
		return bumpGenerationTxn(txn)
	})
}

func (s *BadgerStore) Stats(ctx context.Context) (*models.GraphStats, error) {
	stats := models.NewGraphStats()
	err := s.view(ctx, func(txn *badger.Txn) error {
		nodes, err := s.scanNodes(txn, nil)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			stats.NodeCountByType[n.Type]++
		}
		stats.TotalNodes = len(nodes)

		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixOut})
		defer it.Close()
		for it.Seek(prefixOut); it.ValidForPrefix(prefixOut); it.Next() {
			if _, rel, _, ok := splitAdjacency(it.Item().Key(), prefixOut); ok {
				stats.EdgeCountByRelationship[rel]++
				stats.TotalEdges++
			}
		}

		stats.Generation, err = readGenerationTxn(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BadgerStore) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	snap := &graph.Snapshot{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		if snap.Generation, err = readGenerationTxn(txn); err != nil {
			return err
		}
		if snap.Nodes, err = s.scanNodes(txn, nil); err != nil {
			return err
		}
		snap.Edges, err = s.scanEdges(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	if snap.Nodes == nil {
		snap.Nodes = []*models.Node{}
	}
	snap.TakenAt = s.now()
	graph.SortSnapshot(snap)
	return snap, nil
}

func (s *BadgerStore) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		gen, err = readGenerationTxn(txn)
		return err
	})
	return gen, err
}

var _ graph.Store = (*BadgerStore)(nil)
