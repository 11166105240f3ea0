package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/questlog/internal/errs"
)

// MemoryStore is an in-process Store. It backs tests and the reference
// server used for local development. Failures can be injected to exercise
// the sync queue.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]Document
	rev     int64
	offline bool
	fail    []error
	commits int
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), now: time.Now}
}

// SetOffline makes every call fail with a network error until cleared.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext queues errors returned, in order, by the next Commit or Set calls.
func (m *MemoryStore) FailNext(errList ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errList...)
}

// Commits counts successfully applied batches.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Paths lists stored document paths with the given prefix, sorted.
func (m *MemoryStore) Paths(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.docs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) check(ctx context.Context, op string, write bool) error {
	if err := ctx.Err(); err != nil {
		return errs.E(errs.KindNetwork, op, err)
	}
	if m.offline {
		return errs.Errorf(errs.KindNetwork, op, "store unreachable")
	}
	if write && len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return err
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "remote.Get", false); err != nil {
		return Document{}, err
	}
	d, ok := m.docs[path]
	if !ok {
		return Document{}, errs.E(errs.KindNotFound, "remote.Get", fmt.Errorf("document %q", path))
	}
	return d, nil
}

func (m *MemoryStore) GetMany(ctx context.Context, paths []string) ([]Document, error) {
	if err := checkBatchRead(paths); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "remote.GetMany", false); err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(paths))
	for _, p := range paths {
		if d, ok := m.docs[p]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, data json.RawMessage) error {
	return m.Commit(ctx, Batch{Ops: []Op{{Kind: OpSet, Path: path, Data: data}}, Force: true})
}

// Commit validates every operation against a copy of the affected documents
// and only then applies them, so a failing batch leaves the store untouched.
func (m *MemoryStore) Commit(ctx context.Context, b Batch) error {
	const op = "remote.Commit"
	if err := b.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, op, true); err != nil {
		return err
	}

	staged := make(map[string]*Document)
	get := func(path string) *Document {
		if d, ok := staged[path]; ok {
			return d
		}
		var d *Document
		if cur, ok := m.docs[path]; ok {
			c := cur
			d = &c
		}
		staged[path] = d
		return d
	}

	now := m.now()
	for _, o := range b.Ops {
		cur := get(o.Path)
		if o.Revision != 0 && !b.Force {
			have := int64(0)
			if cur != nil {
				have = cur.Revision
			}
			if have != o.Revision {
				return errs.Errorf(errs.KindConflict, op, "%s at revision %d, writer expected %d", o.Path, have, o.Revision)
			}
		}

		switch o.Kind {
		case OpSet:
			staged[o.Path] = &Document{Path: o.Path, Data: append(json.RawMessage(nil), o.Data...)}
		case OpDelete:
			staged[o.Path] = nil
		case OpIncrement:
			fields := map[string]any{}
			if cur != nil {
				if err := json.Unmarshal(cur.Data, &fields); err != nil {
					return errs.Errorf(errs.KindValidation, op, "increment %s: document is not an object", o.Path)
				}
			}
			for k, delta := range o.Fields {
				base := 0.0
				if v, ok := fields[k]; ok {
					f, isNum := v.(float64)
					if !isNum {
						return errs.Errorf(errs.KindValidation, op, "increment %s: field %q is not numeric", o.Path, k)
					}
					base = f
				}
				fields[k] = base + delta
			}
			data, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("encode %s: %w", o.Path, err)
			}
			staged[o.Path] = &Document{Path: o.Path, Data: data}
		}
	}

	for path, d := range staged {
		if d == nil {
			delete(m.docs, path)
			continue
		}
		if old, ok := m.docs[path]; ok && string(old.Data) == string(d.Data) {
			continue
		}
		m.rev++
		d.Revision = m.rev
		d.UpdatedAt = now
		m.docs[path] = *d
	}
	m.commits++
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx, "remote.Ping", false)
}
