package batcher

import (
	"context"
	"fmt"

	"github.com/loghose/loghose/go/store"
)

// Durable per-instance state lives as rows of a meta table in the log
// store itself, in the manner of a materialization checkpoint table:
// the state survives process restarts because it is co-located with the
// data it describes.
const stateTable = "loghose_state"

var createStateTable = store.Statement{
	SQL: `CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
		instance    TEXT NOT NULL,
		state_key   TEXT NOT NULL,
		state_value TEXT NOT NULL,
		PRIMARY KEY (instance, state_key)
	)`,
}

func schemaHashKey(table string) string { return "schema_hash_" + table }
func lastPrunedKey(table string) string { return "last_pruned_" + table }

// ensureStateTable creates the meta table on the Service's first durable
// access. Creation is idempotent; a failure is retried by the next
// access.
func (s *Service) ensureStateTable(ctx context.Context) error {
	s.mu.Lock()
	var ready = s.stateReady
	s.mu.Unlock()
	if ready {
		return nil
	}

	if _, err := s.store.Exec(ctx, createStateTable); err != nil {
		return fmt.Errorf("creating %s: %w", stateTable, err)
	}
	s.mu.Lock()
	s.stateReady = true
	s.mu.Unlock()
	return nil
}

// loadState reads this instance's durable state under |key|, returning
// ok == false if no value has been stored.
func (i *Instance) loadState(ctx context.Context, key string) (string, bool, error) {
	if err := i.svc.ensureStateTable(ctx); err != nil {
		return "", false, err
	}

	var value string
	var ok, err = i.svc.store.First(ctx, store.Statement{
		SQL:  "SELECT state_value FROM " + stateTable + " WHERE instance = ? AND state_key = ?",
		Args: []interface{}{i.name, key},
	}, &value)
	if err != nil {
		return "", false, fmt.Errorf("loading state %q of %q: %w", key, i.name, err)
	}
	return value, ok, nil
}

// storeState upserts this instance's durable state under |key|.
func (i *Instance) storeState(ctx context.Context, key, value string) error {
	if err := i.svc.ensureStateTable(ctx); err != nil {
		return err
	}

	if _, err := i.svc.store.Exec(ctx, store.Statement{
		SQL: "INSERT INTO " + stateTable + " (instance, state_key, state_value) VALUES (?, ?, ?)" +
			" ON CONFLICT (instance, state_key) DO UPDATE SET state_value = excluded.state_value",
		Args: []interface{}{i.name, key, value},
	}); err != nil {
		return fmt.Errorf("storing state %q of %q: %w", key, i.name, err)
	}
	return nil
}
