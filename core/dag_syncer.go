package core

// core/dag_syncer.go
//
// Transitive DAG fetch. Walks a root CID breadth-first and ensures every
// reachable node is present in the local DAG store, asking the block
// accessor for anything missing. Concurrent fetches of the same root
// coalesce into a single in-flight traversal.

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	logrus "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// dagFetchParallelism bounds concurrent block requests per traversal level.
const dagFetchParallelism = 8

// DAGSyncer fetches CIDs transitively from peers using the DAG store as the
// local cache.
type DAGSyncer struct {
	store    *DAGStore
	accessor *BlockAccessor
	logger   *logrus.Logger
	inflight singleflight.Group
}

// NewDAGSyncer wires a DAGSyncer.
func NewDAGSyncer(store *DAGStore, accessor *BlockAccessor, lg *logrus.Logger) (*DAGSyncer, error) {
	if store == nil || accessor == nil {
		return nil, fmt.Errorf("dag syncer: store and accessor required: %w", ErrInvalidArgument)
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &DAGSyncer{store: store, accessor: accessor, logger: lg}, nil
}

// Fetch ensures all transitive links from root are present locally. It is
// idempotent and crash-safe: a partial fetch leaves a partial local DAG that
// a later Fetch completes. A link that cannot be satisfied within the block
// request timeout propagates ErrFetchIncomplete.
func (s *DAGSyncer) Fetch(ctx context.Context, root cid.Cid) error {
	_, err, _ := s.inflight.Do(root.String(), func() (interface{}, error) {
		return nil, s.fetch(ctx, root)
	})
	return err
}

func (s *DAGSyncer) fetch(ctx context.Context, root cid.Cid) error {
	level := []cid.Cid{root}
	visited := map[cid.Cid]struct{}{}

	for len(level) > 0 {
		var mu sync.Mutex
		var nextLevel []cid.Cid

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(dagFetchParallelism)
		for _, c := range level {
			if _, ok := visited[c]; ok {
				continue
			}
			visited[c] = struct{}{}
			c := c
			g.Go(func() error {
				node, err := s.ensureNode(gctx, c)
				if err != nil {
					return err
				}
				if len(node.Links) > 0 {
					mu.Lock()
					nextLevel = append(nextLevel, node.Links...)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		level = nextLevel
	}
	return nil
}

// ensureNode returns the node for c, fetching and persisting it first if it
// is not already local.
func (s *DAGSyncer) ensureNode(ctx context.Context, c cid.Cid) (*DAGNode, error) {
	has, err := s.store.HasBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	if has {
		return s.store.Get(ctx, c)
	}

	data, err := s.accessor.GetBlock(ctx, c)
	if err != nil {
		s.logger.Debugf("dag syncer: unable to fetch %s: %v", c, err)
		if err == ErrCancelled {
			return nil, err
		}
		return nil, fmt.Errorf("link %s: %w", c, ErrFetchIncomplete)
	}
	node, err := s.store.PutRaw(ctx, c, data)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// HasBlock reports local availability without fetching.
func (s *DAGSyncer) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	return s.store.HasBlock(ctx, c)
}
