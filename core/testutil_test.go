package core

// Shared fixtures: an in-memory broadcaster hub and a cross-peer DAG syncer
// so multi-peer scenarios run without libp2p.

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	logrus "github.com/sirupsen/logrus"
)

// memBroadcasterHub links loopback broadcasters: a payload broadcast by one
// peer is queued at every other peer.
type memBroadcasterHub struct {
	mu    sync.Mutex
	peers []*memBroadcaster
}

type memBroadcaster struct {
	hub *memBroadcasterHub

	mu       sync.Mutex
	messages [][]byte
}

func newMemBroadcasterHub() *memBroadcasterHub {
	return &memBroadcasterHub{}
}

func (h *memBroadcasterHub) join() *memBroadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &memBroadcaster{hub: h}
	h.peers = append(h.peers, b)
	return b
}

func (b *memBroadcaster) Broadcast(buff []byte) error {
	b.hub.mu.Lock()
	peers := append([]*memBroadcaster(nil), b.hub.peers...)
	b.hub.mu.Unlock()
	for _, peer := range peers {
		if peer == b {
			continue
		}
		peer.mu.Lock()
		peer.messages = append(peer.messages, append([]byte(nil), buff...))
		peer.mu.Unlock()
	}
	return nil
}

func (b *memBroadcaster) Next() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil, ErrNoMoreBroadcast
	}
	buff := b.messages[0]
	b.messages = b.messages[1:]
	return buff, nil
}

// crossSyncer fetches DAG closures from the other peers' stores.
type crossSyncer struct {
	local   *DAGStore
	remotes func() []*DAGStore
}

func (s *crossSyncer) Fetch(ctx context.Context, root cid.Cid) error {
	has, err := s.local.HasBlock(ctx, root)
	if err != nil {
		return err
	}
	if !has {
		var node *DAGNode
		for _, remote := range s.remotes() {
			if remote == s.local {
				continue
			}
			if n, err := remote.Get(ctx, root); err == nil {
				node = n
				break
			}
		}
		if node == nil {
			return ErrFetchIncomplete
		}
		if _, err := s.local.Put(ctx, node); err != nil {
			return err
		}
	}
	node, err := s.local.Get(ctx, root)
	if err != nil {
		return err
	}
	for _, link := range node.Links {
		if err := s.Fetch(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

// testPeer is one replicated-store participant.
type testPeer struct {
	backend ds.Batching
	dag     *DAGStore
	db      *CrdtDatastore

	putHookMu sync.Mutex
	putHooks  map[string]int
	delHooks  map[string]int
}

type testCluster struct {
	hub   *memBroadcasterHub
	mu    sync.Mutex
	peers []*testPeer
}

func newTestCluster() *testCluster {
	return &testCluster{hub: newMemBroadcasterHub()}
}

func quietLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func (c *testCluster) addPeer(t *testing.T) *testPeer {
	t.Helper()
	backend := dssync.MutexWrap(ds.NewMapDatastore())
	dag, err := NewDAGStore(backend, quietLogger())
	if err != nil {
		t.Fatalf("dag store err %v", err)
	}
	peer := &testPeer{
		backend:  backend,
		dag:      dag,
		putHooks: make(map[string]int),
		delHooks: make(map[string]int),
	}
	c.mu.Lock()
	c.peers = append(c.peers, peer)
	c.mu.Unlock()

	syncer := &crossSyncer{local: dag, remotes: c.dagStores}
	opts := &CrdtOptions{
		Logger:        quietLogger(),
		DrainInterval: 5 * time.Millisecond,
		PutHook: func(key string, _ []byte) {
			peer.putHookMu.Lock()
			peer.putHooks[key]++
			peer.putHookMu.Unlock()
		},
		DeleteHook: func(key string) {
			peer.putHookMu.Lock()
			peer.delHooks[key]++
			peer.putHookMu.Unlock()
		},
	}
	db, err := NewCrdtDatastore(backend, ds.NewKey("/crdt"), dag, syncer, c.hub.join(), opts)
	if err != nil {
		t.Fatalf("crdt datastore err %v", err)
	}
	peer.db = db
	t.Cleanup(func() { _ = db.Close() })
	return peer
}

func (c *testCluster) dagStores() []*DAGStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	stores := make([]*DAGStore, 0, len(c.peers))
	for _, peer := range c.peers {
		stores = append(stores, peer.dag)
	}
	return stores
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
