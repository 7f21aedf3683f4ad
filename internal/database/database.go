// Package database provides durable graph.Store implementations.
package database

import (
	"fmt"
	"log"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/config"
)

// Open returns the graph store selected by cfg.Type. The caller owns the
// store and must Close it at shutdown.
func Open(cfg config.DatabaseConfig) (graph.Store, error) {
	switch cfg.Type {
	case "", "memory":
		log.Printf("[GraphStore] Using in-memory graph (not persisted)")
		return graph.NewMemoryStore(), nil
	case "postgres":
		store, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Printf("[GraphStore] Connected to PostgreSQL")
		return store, nil
	case "badger":
		store, err := NewBadger(BadgerConfig{Path: cfg.Path, SyncWrites: true})
		if err != nil {
			return nil, err
		}
		log.Printf("[GraphStore] Opened badger graph at %s", cfg.Path)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
