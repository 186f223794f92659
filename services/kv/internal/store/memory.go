package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/xudaotutou/kv-server/pkg/fault"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
)

// Memory is a process-local chain.Store. Writes made inside InPersonaTx are
// staged and applied only when fn succeeds.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]chan struct{}
	links  map[int64]chain.Link
	byExt  map[uuid.UUID]int64
	nextID int64
}

var _ chain.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]chan struct{}),
		links: make(map[int64]chain.Link),
		byExt: make(map[uuid.UUID]int64),
	}
}

func (m *Memory) lock(persona []byte) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(persona)
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	return ch
}

func (m *Memory) InPersonaTx(ctx context.Context, persona []byte, fn func(context.Context, chain.Tx) error) error {
	ch := m.lock(persona)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return fault.Wrap(fault.StorageError, "store.persona_tx", ctx.Err())
	}
	defer func() { <-ch }()

	tx := &memTx{m: m, persona: bytes.Clone(persona), staged: make(map[int64]chain.Link)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.apply(tx)
}

// apply re-checks the no-fork rules against everything visible before
// publishing the staged links.
func (m *Memory) apply(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range tx.staged {
		if l.State != chain.StateCommitted {
			continue
		}
		for _, o := range m.links {
			if o.ID == l.ID || o.State != chain.StateCommitted || !bytes.Equal(o.Persona, l.Persona) {
				continue
			}
			if sameParent(o.PreviousID, l.PreviousID) || o.Seq == l.Seq {
				return fault.New(fault.Conflict, "store.apply", "link already committed at this position")
			}
		}
	}
	for id, l := range tx.staged {
		m.links[id] = l
		m.byExt[l.ExternalID] = id
	}
	return nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) LinkByExternalID(ctx context.Context, id uuid.UUID) (chain.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[m.byExt[id]]
	if !ok {
		return chain.Link{}, fault.New(fault.NotFound, "store.link", "link not found")
	}
	return l, nil
}

func (m *Memory) Committed(ctx context.Context, persona []byte) ([]chain.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chain.Link
	for _, l := range m.links {
		if l.State == chain.StateCommitted && bytes.Equal(l.Persona, persona) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

type memTx struct {
	m       *Memory
	persona []byte
	staged  map[int64]chain.Link
}

// visible is the persona's links with staged writes laid over stored ones.
func (t *memTx) visible() map[int64]chain.Link {
	t.m.mu.Lock()
	out := make(map[int64]chain.Link)
	for id, l := range t.m.links {
		if bytes.Equal(l.Persona, t.persona) {
			out[id] = l
		}
	}
	t.m.mu.Unlock()
	for id, l := range t.staged {
		out[id] = l
	}
	return out
}

func (t *memTx) Head(ctx context.Context) (*chain.Link, error) {
	var head *chain.Link
	for _, l := range t.visible() {
		if l.State != chain.StateCommitted {
			continue
		}
		if head == nil || l.Seq > head.Seq {
			l := l
			head = &l
		}
	}
	return head, nil
}

func (t *memTx) LinkByExternalID(ctx context.Context, id uuid.UUID) (chain.Link, error) {
	for _, l := range t.visible() {
		if l.ExternalID == id {
			return l, nil
		}
	}
	return chain.Link{}, fault.New(fault.NotFound, "store.link", "link not found")
}

func (t *memTx) Insert(ctx context.Context, l *chain.Link) error {
	t.m.mu.Lock()
	_, dup := t.m.byExt[l.ExternalID]
	if !dup {
		t.m.nextID++
		l.ID = t.m.nextID
	}
	t.m.mu.Unlock()
	if dup {
		return fault.New(fault.Conflict, "store.insert", "external id already used")
	}
	l.Persona = bytes.Clone(t.persona)
	t.staged[l.ID] = *l
	return nil
}

func (t *memTx) MarkCommitted(ctx context.Context, l *chain.Link) error {
	cur, ok := t.visible()[l.ID]
	if !ok || cur.State != chain.StateProposed {
		return fault.New(fault.NotFound, "store.mark_committed", "no proposed link")
	}
	cur.State = chain.StateCommitted
	cur.Signature = bytes.Clone(l.Signature)
	cur.Seq = l.Seq
	cur.CommittedAt = l.CommittedAt
	t.staged[l.ID] = cur
	return nil
}

func (t *memTx) MarkExpired(ctx context.Context, id int64) error {
	cur, ok := t.visible()[id]
	if !ok || cur.State != chain.StateProposed {
		return nil
	}
	cur.State = chain.StateExpired
	t.staged[id] = cur
	return nil
}
