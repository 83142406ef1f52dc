package workflowstore

import (
	"encoding/json"
	"time"

	"github.com/ipfs/go-cid"
)

// wireRecord is the on-disk shape of a Record. This is plain JSON, not
// DAG-CBOR: unlike Instructions/Tasks/Workflows/Receipts, a stored
// Record is never content-addressed and never leaves this process, so it
// carries none of the canonical-encoding determinism contract that
// internal/ipld exists to provide.
type wireRecord struct {
	CID         string     `json:"cid"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(wireRecord{
		CID:         rec.CID.String(),
		Name:        rec.Name,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	})
}

func decodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, err
	}
	c, err := cid.Parse(w.CID)
	if err != nil {
		return Record{}, err
	}
	return Record{CID: c, Name: w.Name, CreatedAt: w.CreatedAt, CompletedAt: w.CompletedAt}, nil
}
