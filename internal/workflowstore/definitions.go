package workflowstore

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/ipvm/internal/workflow"
)

var (
	bucketDefinitions = []byte("definitions")
	bucketVersions    = []byte("versions")
)

// ensureDefinitionBuckets is called from Open alongside bucketWorkflows.
func ensureDefinitionBuckets(tx *bbolt.Tx) error {
	for _, b := range [][]byte{bucketDefinitions, bucketVersions} {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}
	return nil
}

// PutDefinition stores wf's encoded form under name, archiving any prior
// definition for the same name into the versions bucket first — a soft
// overwrite in the same spirit as the orchestrator's PutWorkflow/
// archive-on-put.
func (s *Store) PutDefinition(ctx context.Context, name string, wf *workflow.Workflow) error {
	data, err := wf.Encode()
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		defs := tx.Bucket(bucketDefinitions)
		if existing := defs.Get([]byte(name)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(archiveKey), existing); err != nil {
				return fmt.Errorf("archive prior version: %w", err)
			}
		}
		return defs.Put([]byte(name), data)
	})
}

// GetDefinition loads the current workflow definition stored under name.
func (s *Store) GetDefinition(ctx context.Context, name string) (*workflow.Workflow, error) {
	var data []byte
	s.mu.RLock()
	err := s.db.View(func(tx *bbolt.Tx) error {
		data = tx.Bucket(bucketDefinitions).Get([]byte(name))
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, NotFound
	}
	return workflow.Decode(data)
}

// DeleteDefinition archives and removes the definition stored under name.
func (s *Store) DeleteDefinition(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		defs := tx.Bucket(bucketDefinitions)
		data := defs.Get([]byte(name))
		if data == nil {
			return NotFound
		}
		versions := tx.Bucket(bucketVersions)
		archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
		if err := versions.Put([]byte(archiveKey), data); err != nil {
			return fmt.Errorf("archive on delete: %w", err)
		}
		return defs.Delete([]byte(name))
	})
}
