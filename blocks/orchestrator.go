package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/lark"
)

// Inserter is the remote insert call the orchestrator drives; *lark.Gateway
// satisfies it.
type Inserter interface {
	InsertChildren(ctx context.Context, documentID, parentID string, children []json.RawMessage, index int) ([]lark.Block, error)
}

// InsertRequest describes one bulk insert.
type InsertRequest struct {
	DocumentID string
	ParentID   string
	Specs      []Spec
	StartIndex int
	// MaxBatchSize caps blocks per remote call; zero means the vendor
	// limit (docmcp.DefaultMaxBlockBatch).
	MaxBatchSize int
	// OnBatch, when set, is invoked after each successful batch with the
	// 1-based batch number, the total batch count, and the running number
	// of inserted blocks.
	OnBatch func(batch, batches, inserted int)
}

// InsertResult reports a fully successful bulk insert.
type InsertResult struct {
	Inserted  int
	NextIndex int
	Batches   int
	Created   []lark.Block
}

// PartialFailure reports an insert that stopped mid-way: every batch before
// FailedBatch landed, nothing after it was attempted. ResumeIndex is the
// document index where a follow-up insert of the Remaining blocks continues
// the original placement.
type PartialFailure struct {
	Inserted    int
	Remaining   int
	ResumeIndex int
	FailedBatch int
	Err         error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("insert stopped at batch %d: %d inserted, %d remaining, resume at index %d: %v",
		e.FailedBatch, e.Inserted, e.Remaining, e.ResumeIndex, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// InsertAll inserts req.Specs under the parent block as sequential batches
// of at most MaxBatchSize blocks. Batches are converted to wire format
// immediately before their remote call; a conversion failure aborts the
// run without touching the remote side for that batch.
func InsertAll(ctx context.Context, ins Inserter, req InsertRequest) (*InsertResult, error) {
	if ins == nil {
		return nil, fmt.Errorf("inserter required")
	}
	if req.StartIndex < 0 {
		return nil, fmt.Errorf("negative start index %d", req.StartIndex)
	}
	max := req.MaxBatchSize
	if max <= 0 {
		max = docmcp.DefaultMaxBlockBatch
	}

	total := len(req.Specs)
	if total == 0 {
		return &InsertResult{NextIndex: req.StartIndex}, nil
	}
	batches := (total + max - 1) / max

	result := &InsertResult{NextIndex: req.StartIndex, Batches: batches}
	for batch := 0; batch < batches; batch++ {
		lo := batch * max
		hi := lo + max
		if hi > total {
			hi = total
		}

		children := make([]json.RawMessage, 0, hi-lo)
		for offset, spec := range req.Specs[lo:hi] {
			wire, err := Build(spec)
			if err != nil {
				var verr *ValidationError
				if errors.As(err, &verr) {
					verr.Position = req.StartIndex + lo + offset
				}
				return nil, &PartialFailure{
					Inserted:    result.Inserted,
					Remaining:   total - result.Inserted,
					ResumeIndex: req.StartIndex + result.Inserted,
					FailedBatch: batch + 1,
					Err:         err,
				}
			}
			children = append(children, wire)
		}

		created, err := ins.InsertChildren(ctx, req.DocumentID, req.ParentID, children, req.StartIndex+result.Inserted)
		if err != nil {
			return nil, &PartialFailure{
				Inserted:    result.Inserted,
				Remaining:   total - result.Inserted,
				ResumeIndex: req.StartIndex + result.Inserted,
				FailedBatch: batch + 1,
				Err:         err,
			}
		}
		result.Inserted += hi - lo
		result.NextIndex = req.StartIndex + result.Inserted
		result.Created = append(result.Created, created...)
		if req.OnBatch != nil {
			req.OnBatch(batch+1, batches, result.Inserted)
		}
	}
	return result, nil
}
