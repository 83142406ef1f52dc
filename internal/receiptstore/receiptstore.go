// Package receiptstore provides the durable instruction_cid -> Receipt
// mapping with a secondary workflow_cid index, backed by BoltDB the same
// way the orchestrator's workflow store is: pure-Go, no C dependencies,
// safe for a single-process daemon to embed.
package receiptstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/ipvm/internal/receipt"
)

// NotFound is returned by Get when no receipt exists for the given CID.
var NotFound = errors.New("receiptstore: not found")

var (
	bucketReceipts = []byte("receipts")
	bucketByWorkflow = []byte("receipts_by_workflow")
)

// Store is a durable, idempotent receipt log: the first receipt written
// for a given instruction_cid wins, and is never overwritten, which is
// what makes it resistant to a byzantine peer submitting an alternate
// output for an instruction this node has already settled.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	// secondary index: workflow_cid -> ordered list of instruction_cids,
	// rebuilt from the bucket on open (in key order) and appended to in
	// insertion order thereafter.
	byWorkflow map[string][]string

	putLatency metric.Float64Histogram
	getLatency metric.Float64Histogram
	duplicates metric.Int64Counter
}

// Open opens (or creates) a BoltDB-backed receipt store at path.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open receipt store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketReceipts, bucketByWorkflow} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	putLatency, _ := meter.Float64Histogram("ipvm_receiptstore_put_ms")
	getLatency, _ := meter.Float64Histogram("ipvm_receiptstore_get_ms")
	duplicates, _ := meter.Int64Counter("ipvm_receiptstore_duplicate_put_total")

	s := &Store{db: db, byWorkflow: make(map[string][]string), putLatency: putLatency, getLatency: getLatency, duplicates: duplicates}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	return s, nil
}

// rebuildIndex reconstructs the in-memory workflow_cid index by scanning
// the receipts bucket, the recovery step required after an unclean
// restart.
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		return bucket.ForEach(func(k, v []byte) error {
			r, err := receipt.Decode(v)
			if err != nil {
				return fmt.Errorf("decode receipt %s during recovery: %w", k, err)
			}
			wfKey := r.Meta.WorkflowCID.String()
			s.byWorkflow[wfKey] = append(s.byWorkflow[wfKey], string(k))
			return nil
		})
	})
}

// Put inserts r if no receipt yet exists for its instruction_cid.
// Idempotent: if one already exists, it is returned unchanged and r is
// discarded — the store never overwrites a settled instruction.
//
// requireSigned gates the recommended resolution to the unsigned-receipt
// open question: the gossip ingest path passes true and local workers
// pass false.
func (s *Store) Put(ctx context.Context, r receipt.Receipt, requireSigned bool) (receipt.Receipt, error) {
	start := time.Now()
	defer func() {
		s.putLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if requireSigned && !r.Signed() {
		return receipt.Receipt{}, fmt.Errorf("receiptstore: unsigned receipt rejected on ingest")
	}

	key := []byte(r.InstructionCID.String())
	encoded, err := r.Encode()
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("encode receipt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored receipt.Receipt
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		if existing := bucket.Get(key); existing != nil {
			s.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("instruction_cid", r.InstructionCID.String())))
			stored, err = receipt.Decode(existing)
			return err
		}
		stored = r
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("put receipt: %w", err)
	}

	wfKey := r.Meta.WorkflowCID.String()
	if stored.InstructionCID.Equals(r.InstructionCID) && !alreadyIndexed(s.byWorkflow[wfKey], string(key)) {
		s.byWorkflow[wfKey] = append(s.byWorkflow[wfKey], string(key))
	}
	return stored, nil
}

func alreadyIndexed(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the receipt for instructionCID, or NotFound.
func (s *Store) Get(ctx context.Context, instructionCID cid.Cid) (receipt.Receipt, error) {
	start := time.Now()
	defer func() {
		s.getLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data = tx.Bucket(bucketReceipts).Get([]byte(instructionCID.String()))
		return nil
	})
	if err != nil {
		return receipt.Receipt{}, err
	}
	if data == nil {
		return receipt.Receipt{}, NotFound
	}
	return receipt.Decode(data)
}

// List enumerates all receipts for workflowCID. Receipts put since Open
// come in insertion order, after those recovered at Open; the recovered
// receipts come in instruction-CID key order, as insertion order is not
// stored on disk.
func (s *Store) List(ctx context.Context, workflowCID cid.Cid) ([]receipt.Receipt, error) {
	s.mu.RLock()
	keys := append([]string(nil), s.byWorkflow[workflowCID.String()]...)
	s.mu.RUnlock()

	out := make([]receipt.Receipt, 0, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		for _, k := range keys {
			data := bucket.Get([]byte(k))
			if data == nil {
				continue
			}
			r, err := receipt.Decode(data)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
