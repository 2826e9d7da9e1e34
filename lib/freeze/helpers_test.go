package freeze

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/maple"
	"github.com/ValentinKolb/freeze/lib/wire"
)

// --------------------------------------------------------------------------
// Test Servant
// --------------------------------------------------------------------------

const counterType = "::Test::Counter"

var counterOps = map[string]OperationInfo{
	"get":          {ReadOnly: true, Mode: TxSupports},
	"getNever":     {ReadOnly: true, Mode: TxNever},
	"inc":          {Mode: TxRequired},
	"incSupports":  {Mode: TxSupports},
	"incNever":     {Mode: TxNever},
	"incMandatory": {Mode: TxMandatory},
}

// counter is a servant holding one int and an optional label (tag 1)
type counter struct {
	mu    sync.Mutex
	value int32
	label string
}

func (c *counter) TypeID() string { return counterType }

func (c *counter) Operation(name string) (OperationInfo, bool) {
	info, ok := counterOps[name]
	return info, ok
}

func (c *counter) Marshal(os *wire.OutputStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.WriteInt(c.value)
	if c.label != "" {
		return wire.WriteOptional(os, 1, wire.String, c.label)
	}
	return nil
}

func (c *counter) Unmarshal(is *wire.InputStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := is.ReadInt()
	if err != nil {
		return err
	}
	label, err := wire.ReadOptional(is, 1, wire.String)
	if err != nil {
		return err
	}
	c.value = v
	if label != nil {
		c.label = *label
	}
	return nil
}

func (c *counter) add(n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += n
}

func (c *counter) get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func counterFactory(typeID string) (Servant, error) {
	if typeID != counterType {
		return nil, fmt.Errorf("unknown type %s", typeID)
	}
	return &counter{}, nil
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// incRequest increments the counter by one
func incRequest(ident Identity, facet, op string) DispatchRequest {
	return NewRequest(ident, facet, op, func(_ context.Context, s Servant, _ *TransactionContext) (Result, error) {
		s.(*counter).add(1)
		return Result{}, nil
	})
}

// getRequest returns the counter value as payload
func getRequest(ident Identity, facet string) DispatchRequest {
	return NewRequest(ident, facet, "get", func(_ context.Context, s Servant, _ *TransactionContext) (Result, error) {
		os := wire.NewOutputStream(4)
		os.WriteInt(s.(*counter).get())
		return Result{Payload: os.Bytes()}, nil
	})
}

func mustGet(t testing.TB, e *Evictor, ctx context.Context, ident Identity) int32 {
	t.Helper()
	res, err := e.Dispatch(ctx, getRequest(ident, ""))
	if err != nil {
		t.Fatalf("get %s failed: %v", ident, err)
	}
	v, err := wire.NewInputStream(res.Payload).ReadInt()
	if err != nil {
		t.Fatalf("invalid get payload: %v", err)
	}
	return v
}

// --------------------------------------------------------------------------
// Evictor Setup
// --------------------------------------------------------------------------

func newTestEvictor(t testing.TB, store kv.Store, configure func(*Options)) *Evictor {
	t.Helper()
	if store == nil {
		store = maple.NewMapleStore(&maple.DBOptions{NumShards: 4})
	}
	opts := DefaultOptions()
	opts.Factory = counterFactory
	if configure != nil {
		configure(&opts)
	}
	e, err := New(store, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Deactivate() })
	return e
}

func mustAdd(t testing.TB, e *Evictor, ctx context.Context, ident Identity, facet string, value int32) {
	t.Helper()
	if err := e.AddFacet(ctx, ident, facet, &counter{value: value}); err != nil {
		t.Fatalf("AddFacet(%s, %q) failed: %v", ident, facet, err)
	}
}

// waitFor polls cond until it holds or a second passed
func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// Fault Injection
// --------------------------------------------------------------------------

// faultyStore wraps a kv.Store and fails the next failCommits commits with a
// deadlock. The wrapped transaction is aborted before the failure is reported.
type faultyStore struct {
	kv.Store
	failCommits atomic.Int32
	commits     atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: maple.NewMapleStore(&maple.DBOptions{NumShards: 4})}
}

func (s *faultyStore) BeginTransaction() (kv.Tx, error) {
	tx, err := s.Store.BeginTransaction()
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

func (s *faultyStore) Open(name string, create bool) (kv.Table, error) {
	table, err := s.Store.Open(name, create)
	if err != nil {
		return nil, err
	}
	return &faultyTable{Table: table}, nil
}

type faultyTx struct {
	kv.Tx
	store *faultyStore
}

func (tx *faultyTx) Commit() error {
	tx.store.commits.Add(1)
	if tx.store.failCommits.Add(-1) >= 0 {
		_ = tx.Tx.Abort()
		return kv.Errorf(kv.RetCDeadlock, "injected deadlock in %s", tx.ID())
	}
	return tx.Tx.Commit()
}

func unwrapTx(tx kv.Tx) kv.Tx {
	if f, ok := tx.(*faultyTx); ok {
		return f.Tx
	}
	return tx
}

// faultyTable passes the wrapped transactions on to the real table
type faultyTable struct {
	kv.Table
}

func (t *faultyTable) Get(tx kv.Tx, key []byte) ([]byte, error) {
	return t.Table.Get(unwrapTx(tx), key)
}

func (t *faultyTable) Has(tx kv.Tx, key []byte) (bool, error) {
	return t.Table.Has(unwrapTx(tx), key)
}

func (t *faultyTable) Put(tx kv.Tx, key, value []byte) error {
	return t.Table.Put(unwrapTx(tx), key, value)
}

func (t *faultyTable) PutIfAbsent(tx kv.Tx, key, value []byte) (bool, error) {
	return t.Table.PutIfAbsent(unwrapTx(tx), key, value)
}

func (t *faultyTable) Delete(tx kv.Tx, key []byte) (bool, error) {
	return t.Table.Delete(unwrapTx(tx), key)
}

func (t *faultyTable) Count(tx kv.Tx) (int, error) {
	return t.Table.Count(unwrapTx(tx))
}

func (t *faultyTable) Cursor(tx kv.Tx) (kv.Cursor, error) {
	return t.Table.Cursor(unwrapTx(tx))
}
