package core

// core/crdt_datastore.go
//
// Replicated key/value store: composes the DAG store, the DAG syncer, the
// broadcaster and the delta-CRDT set into an eventually consistent map.
// Local mutations produce a delta, persist it as a DAG node linked to the
// current heads, merge it locally and then broadcast its CID. Remote CIDs
// arriving through the broadcaster are fetched transitively and merged in
// topological order of the delta DAG.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logrus "github.com/sirupsen/logrus"
)

const (
	headsNamespace     = "heads"
	processedNamespace = "d"
	maxPriorityKeyName = "maxp"

	defaultDrainInterval = 100 * time.Millisecond
)

// DeltaSyncer is the slice of the DAG syncer the CRDT datastore consumes.
type DeltaSyncer interface {
	Fetch(ctx context.Context, root cid.Cid) error
}

// CrdtOptions configures a CrdtDatastore.
type CrdtOptions struct {
	PutHook       PutHookFunc
	DeleteHook    DeleteHookFunc
	Logger        *logrus.Logger
	DrainInterval time.Duration
}

// KeyValue is one entry returned by Query.
type KeyValue struct {
	Key   string
	Value []byte
}

// CrdtDatastore is the replicated store. It owns the broadcaster and syncer
// handles; the broadcaster feeds received payloads through Next rather than
// holding a reference back to the store.
type CrdtDatastore struct {
	store       ds.Batching
	namespace   ds.Key
	set         *CrdtSet
	dagStore    *DAGStore
	syncer      DeltaSyncer
	broadcaster Broadcaster
	logger      *logrus.Logger

	// headsMu guards the delta head set and maxPriority; merges and
	// publishes serialize on it.
	headsMu     sync.Mutex
	heads       map[cid.Cid]uint64
	maxPriority uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCrdtDatastore wires the store and starts the merge loop draining the
// broadcaster.
func NewCrdtDatastore(store ds.Batching, namespace ds.Key, dagStore *DAGStore, syncer DeltaSyncer, broadcaster Broadcaster, opts *CrdtOptions) (*CrdtDatastore, error) {
	if store == nil || dagStore == nil || syncer == nil || broadcaster == nil {
		return nil, errors.New("crdt datastore: store, dag store, syncer and broadcaster required")
	}
	if opts == nil {
		opts = &CrdtOptions{}
	}
	lg := opts.Logger
	if lg == nil {
		lg = logrus.New()
	}
	set, err := NewCrdtSet(store, namespace, opts.PutHook, opts.DeleteHook)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &CrdtDatastore{
		store:       store,
		namespace:   namespace,
		set:         set,
		dagStore:    dagStore,
		syncer:      syncer,
		broadcaster: broadcaster,
		logger:      lg,
		heads:       make(map[cid.Cid]uint64),
		ctx:         ctx,
		cancel:      cancel,
	}
	if err := d.loadState(ctx); err != nil {
		cancel()
		return nil, err
	}

	interval := opts.DrainInterval
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	d.wg.Add(1)
	go d.mergeLoop(interval)
	return d, nil
}

// Close stops the merge loop. In-flight merges finish; queued broadcasts are
// left for the next start (the backend retains all processed state).
func (d *CrdtDatastore) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}

//---------------------------------------------------------------------
// Public key/value surface
//---------------------------------------------------------------------

// Put stores value under key and replicates the write.
func (d *CrdtDatastore) Put(ctx context.Context, key string, value []byte) error {
	delta := d.set.CreateDeltaAdd(key, value)
	return d.publish(ctx, delta)
}

// Get returns the stored value for key, or ErrNotFound.
func (d *CrdtDatastore) Get(ctx context.Context, key string) ([]byte, error) {
	return d.set.GetElement(ctx, key)
}

// Has reports key membership.
func (d *CrdtDatastore) Has(ctx context.Context, key string) (bool, error) {
	return d.set.IsValueInSet(ctx, key)
}

// Priority returns the highest delta priority observed for key.
func (d *CrdtDatastore) Priority(ctx context.Context, key string) (uint64, error) {
	return d.set.GetPriority(ctx, key)
}

// Delete removes key, tombstoning every live elem id. Deleting an absent
// key returns ErrNotFound.
func (d *CrdtDatastore) Delete(ctx context.Context, key string) error {
	delta, err := d.set.CreateDeltaRemove(ctx, key)
	if err != nil {
		return err
	}
	if len(delta.Tombstones) == 0 {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	return d.publish(ctx, delta)
}

// QueryKeyValues returns all live (key, value) pairs whose key starts with
// prefix. An empty prefix lists the whole store.
func (d *CrdtDatastore) QueryKeyValues(ctx context.Context, prefix string) ([]KeyValue, error) {
	return d.queryFiltered(ctx, prefix, func(string) bool { return true })
}

// QueryKeyValuesFiltered matches keys of the shape
// <base>/<middle>/<remainder...>. middle may be "*" to accept any segment or
// "!X" to accept any segment except X; the filter applies to the first path
// segment after base.
func (d *CrdtDatastore) QueryKeyValuesFiltered(ctx context.Context, base, middle, remainder string) ([]KeyValue, error) {
	accept := func(key string) bool {
		rest := strings.TrimPrefix(strings.TrimPrefix(key, base), "/")
		segment := rest
		var tail string
		if idx := strings.Index(rest, "/"); idx >= 0 {
			segment = rest[:idx]
			tail = rest[idx+1:]
		}
		switch {
		case middle == "*":
		case strings.HasPrefix(middle, "!"):
			if segment == middle[1:] {
				return false
			}
		default:
			if segment != middle {
				return false
			}
		}
		return remainder == "" || strings.HasPrefix(tail, remainder)
	}
	return d.queryFiltered(ctx, base, accept)
}

func (d *CrdtDatastore) queryFiltered(ctx context.Context, prefix string, accept func(key string) bool) ([]KeyValue, error) {
	keysPrefix := d.set.KeysPrefix()
	queryPrefix := keysPrefix
	if prefix != "" {
		queryPrefix = keysPrefix + "/" + strings.Trim(prefix, "/")
	}

	results, err := d.store.Query(ctx, dsq.Query{Prefix: queryPrefix})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []KeyValue
	for result := range results.Next() {
		if result.Error != nil {
			return nil, result.Error
		}
		// Only value rows: <keysPrefix>/<key>/v
		if !strings.HasSuffix(result.Key, d.set.ValueSuffix()) {
			continue
		}
		logical := strings.TrimSuffix(strings.TrimPrefix(result.Key, keysPrefix+"/"), d.set.ValueSuffix())
		if !accept(logical) {
			continue
		}
		live, err := d.set.inElemsNotTombstoned(ctx, logical)
		if err != nil {
			return nil, err
		}
		if !live {
			continue
		}
		out = append(out, KeyValue{Key: logical, Value: result.Entry.Value})
	}
	return out, nil
}

//---------------------------------------------------------------------
// Transactions
//---------------------------------------------------------------------

// Tx accumulates adds and removes into a single delta published atomically.
// It is atomic with respect to crash and partial network delivery, not
// isolated from concurrent writers.
type Tx struct {
	d     *CrdtDatastore
	delta *Delta
	err   error
}

// BeginTransaction starts an empty transaction.
func (d *CrdtDatastore) BeginTransaction() *Tx {
	return &Tx{d: d, delta: &Delta{}}
}

// AddToDelta stages a put of (key, value).
func (t *Tx) AddToDelta(key string, value []byte) *Tx {
	t.delta.Elements = append(t.delta.Elements, DeltaElement{Key: key, Value: value})
	return t
}

// RemoveFromDelta stages tombstones for every currently-live elem id of key.
// Removing an absent key stages nothing.
func (t *Tx) RemoveFromDelta(ctx context.Context, key string) *Tx {
	if t.err != nil {
		return t
	}
	removeDelta, err := t.d.set.CreateDeltaRemove(ctx, key)
	if err != nil {
		t.err = err
		return t
	}
	t.delta.Tombstones = append(t.delta.Tombstones, removeDelta.Tombstones...)
	return t
}

// PublishDelta publishes the accumulated delta. Either every staged
// operation lands or none does.
func (t *Tx) PublishDelta(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	if len(t.delta.Elements) == 0 && len(t.delta.Tombstones) == 0 {
		return nil
	}
	return t.d.publish(ctx, t.delta)
}

//---------------------------------------------------------------------
// Delta DAG plumbing
//---------------------------------------------------------------------

func encodeDelta(delta *Delta) ([]byte, error) {
	return json.Marshal(delta)
}

func decodeDelta(data []byte) (*Delta, error) {
	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("decode delta: %w", ErrInvalidArgument)
	}
	return &delta, nil
}

// publish persists the delta as a DAG node linked to the current heads,
// merges it locally and broadcasts its CID. The broadcast happens strictly
// after the node and the merged rows are durable.
func (d *CrdtDatastore) publish(ctx context.Context, delta *Delta) error {
	d.headsMu.Lock()
	defer d.headsMu.Unlock()

	delta.Priority = d.maxPriority + 1

	payload, err := encodeDelta(delta)
	if err != nil {
		return err
	}
	node := &DAGNode{Data: payload}
	for head := range d.heads {
		node.Links = append(node.Links, head)
	}

	c, err := d.dagStore.Put(ctx, node)
	if err != nil {
		return err
	}
	if err := d.set.Merge(ctx, delta, c.String()); err != nil {
		return err
	}
	if err := d.advanceHeads(ctx, c, delta.Priority, node.Links); err != nil {
		return err
	}
	if err := d.markProcessed(ctx, c); err != nil {
		return err
	}

	if err := d.broadcaster.Broadcast(c.Bytes()); err != nil {
		// The write is durable; peers catch up when a later head links it.
		d.logger.Warnf("crdt: broadcast of %s failed: %v", c, err)
	}
	return nil
}

// mergeLoop drains the broadcaster.
func (d *CrdtDatastore) mergeLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for {
				payload, err := d.broadcaster.Next()
				if err != nil {
					if !errors.Is(err, ErrNoMoreBroadcast) {
						d.logger.Warnf("crdt: broadcaster next: %v", err)
					}
					break
				}
				if err := d.handleBroadcast(d.ctx, payload); err != nil {
					d.logger.Warnf("crdt: handle broadcast: %v", err)
				}
			}
		}
	}
}

// handleBroadcast processes one received payload: the CID of a remote delta
// DAG node.
func (d *CrdtDatastore) handleBroadcast(ctx context.Context, payload []byte) error {
	c, err := cid.Cast(payload)
	if err != nil {
		return fmt.Errorf("broadcast payload: %w", ErrInvalidArgument)
	}
	return d.HandleRemoteHead(ctx, c)
}

// HandleRemoteHead fetches the delta DAG rooted at c and merges every
// unprocessed ancestor in topological order. Exported for callers that learn
// about heads out of band.
func (d *CrdtDatastore) HandleRemoteHead(ctx context.Context, c cid.Cid) error {
	d.headsMu.Lock()
	processed, err := d.isProcessed(ctx, c)
	d.headsMu.Unlock()
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	// Ensure the full ancestor closure is local before merging; a failure
	// here leaves a partial DAG that the next head retries.
	if err := d.syncer.Fetch(ctx, c); err != nil {
		return err
	}

	d.headsMu.Lock()
	defer d.headsMu.Unlock()
	return d.processNode(ctx, c)
}

// processNode merges the delta at c after all its ancestors, depth first.
// Caller holds headsMu.
func (d *CrdtDatastore) processNode(ctx context.Context, c cid.Cid) error {
	processed, err := d.isProcessed(ctx, c)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	node, err := d.dagStore.Get(ctx, c)
	if err != nil {
		return err
	}
	for _, link := range node.Links {
		if err := d.processNode(ctx, link); err != nil {
			return err
		}
	}

	delta, err := decodeDelta(node.Data)
	if err != nil {
		return err
	}
	if err := d.set.Merge(ctx, delta, c.String()); err != nil {
		return err
	}
	if err := d.advanceHeads(ctx, c, delta.Priority, node.Links); err != nil {
		return err
	}
	return d.markProcessed(ctx, c)
}

//---------------------------------------------------------------------
// Heads and processed-set bookkeeping (caller holds headsMu)
//---------------------------------------------------------------------

func (d *CrdtDatastore) headKey(c cid.Cid) ds.Key {
	return d.namespace.ChildString(headsNamespace).ChildString(c.String())
}

func (d *CrdtDatastore) processedKey(c cid.Cid) ds.Key {
	return d.namespace.ChildString(processedNamespace).ChildString(c.String())
}

func (d *CrdtDatastore) maxPriorityKey() ds.Key {
	return d.namespace.ChildString(maxPriorityKeyName)
}

// advanceHeads replaces the consumed parent heads with c and lifts the
// running maximum priority.
func (d *CrdtDatastore) advanceHeads(ctx context.Context, c cid.Cid, priority uint64, parents []cid.Cid) error {
	for _, parent := range parents {
		if _, ok := d.heads[parent]; ok {
			delete(d.heads, parent)
			if err := d.store.Delete(ctx, d.headKey(parent)); err != nil && !errors.Is(err, ds.ErrNotFound) {
				return err
			}
		}
	}
	d.heads[c] = priority
	if err := d.store.Put(ctx, d.headKey(c), encodePriority(priority)); err != nil {
		return err
	}
	if priority > d.maxPriority {
		d.maxPriority = priority
		if err := d.store.Put(ctx, d.maxPriorityKey(), encodePriority(priority)); err != nil {
			return err
		}
	}
	return nil
}

func (d *CrdtDatastore) isProcessed(ctx context.Context, c cid.Cid) (bool, error) {
	return d.store.Has(ctx, d.processedKey(c))
}

func (d *CrdtDatastore) markProcessed(ctx context.Context, c cid.Cid) error {
	return d.store.Put(ctx, d.processedKey(c), nil)
}

// loadState restores the head set and priority watermark from the backend.
func (d *CrdtDatastore) loadState(ctx context.Context) error {
	prefix := d.namespace.ChildString(headsNamespace).String()
	results, err := d.store.Query(ctx, dsq.Query{Prefix: prefix})
	if err != nil {
		return err
	}
	defer results.Close()
	for result := range results.Next() {
		if result.Error != nil {
			return result.Error
		}
		c, err := cid.Decode(strings.TrimPrefix(result.Key, prefix+"/"))
		if err != nil {
			d.logger.Warnf("crdt: skipping malformed head row %s", result.Key)
			continue
		}
		priority, err := decodePriority(result.Entry.Value)
		if err != nil {
			return err
		}
		d.heads[c] = priority
	}

	data, err := d.store.Get(ctx, d.maxPriorityKey())
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil
		}
		return err
	}
	d.maxPriority, err = decodePriority(data)
	return err
}

// Heads returns a snapshot of the current delta DAG head set.
func (d *CrdtDatastore) Heads() []cid.Cid {
	d.headsMu.Lock()
	defer d.headsMu.Unlock()
	out := make([]cid.Cid, 0, len(d.heads))
	for c := range d.heads {
		out = append(out, c)
	}
	return out
}
