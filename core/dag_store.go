package core

// core/dag_store.go
//
// Content-addressed DAG node store. Nodes carry an opaque payload plus links
// to child CIDs and are encoded deterministically, so the CID of a node is
// the multihash of its canonical encoding.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	mh "github.com/multiformats/go-multihash"
	logrus "github.com/sirupsen/logrus"
)

const blocksNamespace = "/blocks"

// EncodeDAGNode returns the canonical encoding of a node. Struct field order
// is fixed, so the output is deterministic for identical nodes.
func EncodeDAGNode(node *DAGNode) ([]byte, error) {
	if node == nil {
		return nil, fmt.Errorf("encode dag node: %w", ErrInvalidArgument)
	}
	return json.Marshal(node)
}

// DecodeDAGNode is the inverse of EncodeDAGNode.
func DecodeDAGNode(data []byte) (*DAGNode, error) {
	var node DAGNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode dag node: %w", ErrInvalidArgument)
	}
	return &node, nil
}

// NodeCid computes the CID of a node's canonical encoding.
func NodeCid(encoded []byte) (cid.Cid, error) {
	encodedMH, err := mh.Sum(encoded, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagJSON, encodedMH), nil
}

// RawDataCid computes the CID used for opaque leaf payloads (task inputs,
// split parts). Kept separate from NodeCid so raw bytes and DAG nodes never
// collide.
func RawDataCid(data []byte) (cid.Cid, error) {
	encodedMH, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, encodedMH), nil
}

// DAGStore persists DAG nodes in a local key/value backend under a dedicated
// namespace. All operations are safe for concurrent use as long as the
// backend is.
type DAGStore struct {
	store  ds.Batching
	logger *logrus.Logger
}

// NewDAGStore wires a DAGStore over the given backend.
func NewDAGStore(store ds.Batching, lg *logrus.Logger) (*DAGStore, error) {
	if store == nil {
		return nil, errors.New("dag store: backend nil")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &DAGStore{store: store, logger: lg}, nil
}

func blockKey(c cid.Cid) ds.Key {
	return ds.NewKey(blocksNamespace).ChildString(c.String())
}

// Put stores a node and returns its CID. Putting a node whose CID already
// exists is a no-op returning the same CID.
func (d *DAGStore) Put(ctx context.Context, node *DAGNode) (cid.Cid, error) {
	encoded, err := EncodeDAGNode(node)
	if err != nil {
		return cid.Undef, err
	}
	c, err := NodeCid(encoded)
	if err != nil {
		return cid.Undef, err
	}
	key := blockKey(c)
	has, err := d.store.Has(ctx, key)
	if err != nil {
		return cid.Undef, fmt.Errorf("dag store has %s: %w", c, err)
	}
	if has {
		return c, nil
	}
	if err := d.store.Put(ctx, key, encoded); err != nil {
		return cid.Undef, fmt.Errorf("dag store put %s: %w", c, err)
	}
	d.logger.Debugf("dag store: added %s (%d bytes, %d links)", c, len(node.Data), len(node.Links))
	return c, nil
}

// PutRaw stores pre-encoded node bytes fetched from a peer, verifying that
// they hash to the expected CID.
func (d *DAGStore) PutRaw(ctx context.Context, expected cid.Cid, encoded []byte) (*DAGNode, error) {
	c, err := NodeCid(encoded)
	if err != nil {
		return nil, err
	}
	if !c.Equals(expected) {
		return nil, fmt.Errorf("dag store: block %s hashed to %s: %w", expected, c, ErrInvalidArgument)
	}
	node, err := DecodeDAGNode(encoded)
	if err != nil {
		return nil, err
	}
	if err := d.store.Put(ctx, blockKey(c), encoded); err != nil {
		return nil, fmt.Errorf("dag store put %s: %w", c, err)
	}
	return node, nil
}

// Get returns the node stored under c, or ErrNotFound.
func (d *DAGStore) Get(ctx context.Context, c cid.Cid) (*DAGNode, error) {
	data, err := d.store.Get(ctx, blockKey(c))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("dag node %s: %w", c, ErrNotFound)
		}
		return nil, fmt.Errorf("dag store get %s: %w", c, err)
	}
	return DecodeDAGNode(data)
}

// GetEncoded returns the raw encoded bytes of the node stored under c.
func (d *DAGStore) GetEncoded(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := d.store.Get(ctx, blockKey(c))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("dag node %s: %w", c, ErrNotFound)
		}
		return nil, fmt.Errorf("dag store get %s: %w", c, err)
	}
	return data, nil
}

// HasBlock reports whether c is present locally without fetching it.
func (d *DAGStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	return d.store.Has(ctx, blockKey(c))
}
