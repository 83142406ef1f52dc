// Package workflowstore persists Workflow records: the cid -> {name,
// created_at, completed_at} table from the persisted-state section,
// backed by BoltDB with the same warm in-memory cache idiom the
// orchestrator's workflow store uses.
package workflowstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var NotFound = errors.New("workflowstore: not found")

var bucketWorkflows = []byte("workflows")

// Record is the persisted row for one workflow.
type Record struct {
	CID         cid.Cid
	Name        string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store is a durable cid -> Record table with a warm in-memory cache,
// the same pattern as the orchestrator's name-keyed workflow cache.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex
	cache map[string]Record

	putLatency metric.Float64Histogram
	getLatency metric.Float64Histogram
}

// Open opens (or creates) a BoltDB-backed workflow store at path.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType})
	if err != nil {
		return nil, fmt.Errorf("open workflow store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorkflows); err != nil {
			return err
		}
		return ensureDefinitionBuckets(tx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	putLatency, _ := meter.Float64Histogram("ipvm_workflowstore_put_ms")
	getLatency, _ := meter.Float64Histogram("ipvm_workflowstore_get_ms")
	s := &Store{db: db, cache: make(map[string]Record), putLatency: putLatency, getLatency: getLatency}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			s.cache[string(k)] = rec
			return nil
		})
	})
}

// Put inserts or updates the record for c.
func (s *Store) Put(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() { s.putLatency.Record(ctx, float64(time.Since(start).Milliseconds())) }()

	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := []byte(rec.CID.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put(key, data)
	}); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	s.cache[string(key)] = rec
	return nil
}

// MarkCompleted sets CompletedAt for the workflow identified by c.
func (s *Store) MarkCompleted(ctx context.Context, c cid.Cid, at time.Time) error {
	rec, err := s.Get(ctx, c)
	if err != nil {
		return err
	}
	rec.CompletedAt = &at
	return s.Put(ctx, rec)
}

// Get returns the record for c.
func (s *Store) Get(ctx context.Context, c cid.Cid) (Record, error) {
	start := time.Now()
	defer func() { s.getLatency.Record(ctx, float64(time.Since(start).Milliseconds())) }()

	key := c.String()
	s.mu.RLock()
	if rec, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return rec, nil
	}
	s.mu.RUnlock()

	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		data = tx.Bucket(bucketWorkflows).Get([]byte(key))
		return nil
	}); err != nil {
		return Record{}, err
	}
	if data == nil {
		return Record{}, NotFound
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	s.cache[key] = rec
	s.mu.Unlock()
	return rec, nil
}

// List returns every known workflow record, in no particular order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
