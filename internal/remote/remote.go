// Package remote defines the document store the local cache synchronizes
// with, an HTTP client for it, and an in-memory implementation that also
// backs the reference HTTP handler.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/questlog/internal/errs"
)

// MaxBatchRead is the most documents a single GetMany may request.
const MaxBatchRead = 10

// ErrBatchTooLarge is wrapped in the validation error GetMany returns when
// more than MaxBatchRead paths are requested.
var ErrBatchTooLarge = fmt.Errorf("batch read exceeds %d documents", MaxBatchRead)

func checkBatchRead(paths []string) error {
	if len(paths) > MaxBatchRead {
		return errs.E(errs.KindValidation, "remote.GetMany", fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(paths)))
	}
	return nil
}

// Document is one stored JSON document.
type Document struct {
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OpKind is the kind of a batch operation.
type OpKind string

const (
	OpSet       OpKind = "set"
	OpDelete    OpKind = "delete"
	OpIncrement OpKind = "increment"
)

// Op is one write inside a batch. Set replaces the document with Data.
// Increment adds Fields to top-level numeric fields, creating the document and
// fields as needed. Revision, when non-zero, is the revision the writer
// expects the document to have; a mismatch is a conflict unless the batch is
// forced.
type Op struct {
	Kind     OpKind             `json:"kind"`
	Path     string             `json:"path"`
	Data     json.RawMessage    `json:"data,omitempty"`
	Fields   map[string]float64 `json:"fields,omitempty"`
	Revision int64              `json:"revision,omitempty"`
}

// Batch is a set of operations applied atomically. Force skips revision
// checks so the batch overwrites whatever the store holds.
type Batch struct {
	Ops   []Op `json:"ops"`
	Force bool `json:"force,omitempty"`
}

// Validate rejects empty batches and malformed operations.
func (b Batch) Validate() error {
	const op = "remote.Batch"
	if len(b.Ops) == 0 {
		return errs.Validation(op, "batch has no operations")
	}
	for i, o := range b.Ops {
		if o.Path == "" {
			return errs.Validation(op, "op %d has no path", i)
		}
		switch o.Kind {
		case OpSet:
			if !json.Valid(o.Data) {
				return errs.Validation(op, "op %d (%s) carries invalid JSON", i, o.Path)
			}
		case OpDelete:
		case OpIncrement:
			if len(o.Fields) == 0 {
				return errs.Validation(op, "op %d (%s) increments nothing", i, o.Path)
			}
		default:
			return errs.Validation(op, "op %d has unknown kind %q", i, o.Kind)
		}
	}
	return nil
}

// Set builds a set operation, encoding v as JSON.
func Set(path string, v any) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("encode %s: %w", path, err)
	}
	return Op{Kind: OpSet, Path: path, Data: data}, nil
}

// Delete builds a delete operation.
func Delete(path string) Op {
	return Op{Kind: OpDelete, Path: path}
}

// Increment builds an increment operation.
func Increment(path string, fields map[string]float64) Op {
	return Op{Kind: OpIncrement, Path: path, Fields: fields}
}

// Store is a remote document store. Implementations classify failures with
// the errs kinds: Auth, Network, Server, Conflict, Validation and NotFound.
type Store interface {
	// Get returns one document, or a NotFound error.
	Get(ctx context.Context, path string) (Document, error)
	// GetMany returns the documents that exist among paths, at most
	// MaxBatchRead per call.
	GetMany(ctx context.Context, paths []string) ([]Document, error)
	// Set replaces one document.
	Set(ctx context.Context, path string, data json.RawMessage) error
	// Commit applies a batch atomically.
	Commit(ctx context.Context, b Batch) error
	// Ping checks reachability.
	Ping(ctx context.Context) error
}
