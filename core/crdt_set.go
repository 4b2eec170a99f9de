package core

// core/crdt_set.go
//
// Add-wins observed-remove set of (key, value) pairs with per-key priority.
// State lives in a local key/value backend under four namespaces:
//
//	/<ns>/s/<key>/<id>   elems membership (empty value)
//	/<ns>/t/<key>/<id>   tombs membership (empty value)
//	/<ns>/k/<key>/v      stored value bytes
//	/<ns>/k/<key>/p      stored priority, decimal ASCII
//
// A key is present iff it has at least one elem id that is not tombstoned.
// The stored value belongs to the add with the maximal (priority, value)
// pair; priority ties break on bytewise comparison of the encoded value.
// The priority row stores priority+1 so that 0 can mean "absent".

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

const (
	elemsNamespace = "s"
	tombsNamespace = "t"
	keysNamespace  = "k"
	valueSuffix    = "v"
	prioritySuffix = "p"
)

// PutHookFunc observes a value transition for a key, after the underlying
// rows are durable.
type PutHookFunc func(key string, value []byte)

// DeleteHookFunc observes a key whose membership became empty under a merge
// that carried a tombstone for it.
type DeleteHookFunc func(key string)

// CrdtSet applies CRDT deltas to the local backend. Merges are serialized on
// an internal mutex; reads may run concurrently.
type CrdtSet struct {
	store      ds.Batching
	namespace  ds.Key
	putHook    PutHookFunc
	deleteHook DeleteHookFunc
	mu         sync.Mutex
}

// NewCrdtSet wires a CrdtSet rooted at namespace.
func NewCrdtSet(store ds.Batching, namespace ds.Key, putHook PutHookFunc, deleteHook DeleteHookFunc) (*CrdtSet, error) {
	if store == nil {
		return nil, errors.New("crdt set: backend nil")
	}
	return &CrdtSet{
		store:      store,
		namespace:  namespace,
		putHook:    putHook,
		deleteHook: deleteHook,
	}, nil
}

//---------------------------------------------------------------------
// Key layout
//---------------------------------------------------------------------

func (s *CrdtSet) elemsPrefix(key string) ds.Key {
	// /<ns>/s/<key>
	return ds.NewKey(s.namespace.String() + "/" + elemsNamespace + "/" + key)
}

func (s *CrdtSet) tombsPrefix(key string) ds.Key {
	// /<ns>/t/<key>
	return ds.NewKey(s.namespace.String() + "/" + tombsNamespace + "/" + key)
}

func (s *CrdtSet) valueKey(key string) ds.Key {
	// /<ns>/k/<key>/v
	return ds.NewKey(s.namespace.String() + "/" + keysNamespace + "/" + key).ChildString(valueSuffix)
}

func (s *CrdtSet) priorityKey(key string) ds.Key {
	// /<ns>/k/<key>/p
	return ds.NewKey(s.namespace.String() + "/" + keysNamespace + "/" + key).ChildString(prioritySuffix)
}

// KeysPrefix returns the /<ns>/k prefix under which logical keys store their
// value and priority rows.
func (s *CrdtSet) KeysPrefix() string {
	return s.namespace.String() + "/" + keysNamespace
}

// ValueSuffix returns the trailing component of value rows.
func (s *CrdtSet) ValueSuffix() string {
	return "/" + valueSuffix
}

//---------------------------------------------------------------------
// Delta construction
//---------------------------------------------------------------------

// CreateDeltaAdd stages one element; the id is filled at publish time.
func (s *CrdtSet) CreateDeltaAdd(key string, value []byte) *Delta {
	return &Delta{Elements: []DeltaElement{{Key: key, Value: value}}}
}

// CreateDeltaRemove emits one tombstone per live elem id of key. Ids that
// are already tombstoned are omitted. Removing an absent key yields a delta
// with no tombstones.
func (s *CrdtSet) CreateDeltaRemove(ctx context.Context, key string) (*Delta, error) {
	delta := &Delta{}
	ids, err := s.elemIDs(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		tombed, err := s.inTombsKeyID(ctx, key, id)
		if err != nil {
			return nil, err
		}
		if !tombed {
			delta.Tombstones = append(delta.Tombstones, DeltaElement{Key: key, ID: id})
		}
	}
	return delta, nil
}

//---------------------------------------------------------------------
// Merge
//---------------------------------------------------------------------

// Merge applies a delta under the given id. Tombstones apply before
// elements; this order is required for the once-tombstoned-never-reborn
// invariant when a delta carries both for the same key.
func (s *CrdtSet) Merge(ctx context.Context, delta *Delta, id string) error {
	if delta == nil {
		return fmt.Errorf("merge: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.putTombs(ctx, delta.Tombstones); err != nil {
		return err
	}
	return s.putElems(ctx, delta.Elements, id, delta.Priority)
}

type stagedValue struct {
	value    []byte
	priority uint64
}

func (s *CrdtSet) putElems(ctx context.Context, elems []DeltaElement, id string, priority uint64) error {
	if len(elems) == 0 {
		return nil
	}

	batch, err := s.store.Batch(ctx)
	if err != nil {
		return err
	}

	// Writes staged in this batch are not visible to reads, so winners are
	// tracked here to keep the comparison correct for repeated keys.
	staged := make(map[string]stagedValue)
	updated := make(map[string][]byte)
	var updateOrder []string

	for _, elem := range elems {
		elem.ID = id // comes unset from the wire

		// /<ns>/s/<key>/<id>
		if err := batch.Put(ctx, s.elemsPrefix(elem.Key).ChildString(id), nil); err != nil {
			return err
		}

		wrote, err := s.setValue(ctx, batch, staged, elem.Key, id, elem.Value, priority)
		if err != nil {
			return err
		}
		if wrote {
			if _, seen := updated[elem.Key]; !seen {
				updateOrder = append(updateOrder, elem.Key)
			}
			updated[elem.Key] = elem.Value
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return err
	}

	// Hooks fire only after the rows are durable, once per key.
	if s.putHook != nil {
		for _, key := range updateOrder {
			s.putHook(key, updated[key])
		}
	}
	return nil
}

// setValue stages the value and priority rows iff (priority, value) beats
// the stored winner and (key, id) is not tombstoned. Returns whether the
// value row was written.
func (s *CrdtSet) setValue(ctx context.Context, batch ds.Batch, staged map[string]stagedValue, key, id string, value []byte, priority uint64) (bool, error) {
	tombed, err := s.inTombsKeyID(ctx, key, id)
	if err != nil {
		return false, err
	}
	if tombed {
		// Once tombstoned at this id, the add is a no-op.
		return false, nil
	}

	curPriority, curValue, hasCur, err := s.currentWinner(ctx, staged, key)
	if err != nil {
		return false, err
	}
	if hasCur {
		if priority < curPriority {
			return false, nil
		}
		if priority == curPriority && bytes.Compare(curValue, value) >= 0 {
			return false, nil
		}
	}

	if err := batch.Put(ctx, s.valueKey(key), value); err != nil {
		return false, err
	}
	if err := batch.Put(ctx, s.priorityKey(key), encodePriority(priority)); err != nil {
		return false, err
	}
	staged[key] = stagedValue{value: value, priority: priority}
	return true, nil
}

func (s *CrdtSet) currentWinner(ctx context.Context, staged map[string]stagedValue, key string) (uint64, []byte, bool, error) {
	if sv, ok := staged[key]; ok {
		return sv.priority, sv.value, true, nil
	}
	value, err := s.store.Get(ctx, s.valueKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	priority, err := s.GetPriority(ctx, key)
	if err != nil {
		return 0, nil, false, err
	}
	return priority, value, true, nil
}

func (s *CrdtSet) putTombs(ctx context.Context, tombs []DeltaElement) error {
	if len(tombs) == 0 {
		return nil
	}

	// Record which keys were present so the delete hook can fire on the
	// present -> absent transition only.
	present := make(map[string]bool)
	for _, tomb := range tombs {
		if _, ok := present[tomb.Key]; ok {
			continue
		}
		in, err := s.inElemsNotTombstoned(ctx, tomb.Key)
		if err != nil {
			return err
		}
		present[tomb.Key] = in
	}

	batch, err := s.store.Batch(ctx)
	if err != nil {
		return err
	}
	for _, tomb := range tombs {
		// /<ns>/t/<key>/<id>
		if err := batch.Put(ctx, s.tombsPrefix(tomb.Key).ChildString(tomb.ID), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	if s.deleteHook != nil {
		for key, wasPresent := range present {
			if !wasPresent {
				continue
			}
			in, err := s.inElemsNotTombstoned(ctx, key)
			if err != nil {
				return err
			}
			if !in {
				s.deleteHook(key)
			}
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Reads
//---------------------------------------------------------------------

// GetElement returns the stored value for key, or ErrNotFound when the key
// is absent or fully tombstoned.
func (s *CrdtSet) GetElement(ctx context.Context, key string) ([]byte, error) {
	value, err := s.store.Get(ctx, s.valueKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	in, err := s.inElemsNotTombstoned(ctx, key)
	if err != nil {
		return nil, err
	}
	if !in {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// IsValueInSet reports key membership.
func (s *CrdtSet) IsValueInSet(ctx context.Context, key string) (bool, error) {
	// Fast path: a key with no value row was never added.
	has, err := s.store.Has(ctx, s.valueKey(key))
	if err != nil {
		return false, err
	}
	if !has {
		return false, nil
	}
	return s.inElemsNotTombstoned(ctx, key)
}

// GetPriority returns the highest delta priority observed for key, 0 when
// the key has none.
func (s *CrdtSet) GetPriority(ctx context.Context, key string) (uint64, error) {
	data, err := s.store.Get(ctx, s.priorityKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return decodePriority(data)
}

// inElemsNotTombstoned reports whether any elem id of key survives the
// tombstone set.
func (s *CrdtSet) inElemsNotTombstoned(ctx context.Context, key string) (bool, error) {
	ids, err := s.elemIDs(ctx, key)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		tombed, err := s.inTombsKeyID(ctx, key, id)
		if err != nil {
			return false, err
		}
		if !tombed {
			return true, nil
		}
	}
	return false, nil
}

// elemIDs lists the elem ids recorded for key.
func (s *CrdtSet) elemIDs(ctx context.Context, key string) ([]string, error) {
	prefix := s.elemsPrefix(key).String()
	results, err := s.store.Query(ctx, dsq.Query{Prefix: prefix, KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var ids []string
	for result := range results.Next() {
		if result.Error != nil {
			return nil, result.Error
		}
		id := strings.TrimPrefix(result.Key, prefix+"/")
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *CrdtSet) inTombsKeyID(ctx context.Context, key, id string) (bool, error) {
	return s.store.Has(ctx, s.tombsPrefix(key).ChildString(id))
}

//---------------------------------------------------------------------
// Priority encoding
//---------------------------------------------------------------------

// encodePriority stores priority+1 as decimal ASCII for lexicographic
// compatibility with prefix scans of the backend.
func encodePriority(priority uint64) []byte {
	return []byte(strconv.FormatUint(priority+1, 10))
}

func decodePriority(data []byte) (uint64, error) {
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("priority row %q: %w", string(data), ErrInvalidArgument)
	}
	if n == 0 {
		return 0, fmt.Errorf("priority row zero: %w", ErrInvalidArgument)
	}
	return n - 1, nil
}
