package core

// core/block_accessor.go
//
// Content-addressed block fetch with provider discovery, fallback across
// providers and request re-submission until a deadline. The wire protocol
// itself (bitswap/graphsync) is an external collaborator behind the
// BlockExchange interface; provider discovery is the DHT.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	logrus "github.com/sirupsen/logrus"
)

// DefaultBlockRequestTimeout bounds a single RequestBlock call including all
// provider re-queries.
const DefaultBlockRequestTimeout = 10 * time.Second

// ProviderDiscovery finds peers advertising a CID. Implemented by the
// kademlia DHT.
type ProviderDiscovery interface {
	FindProviders(ctx context.Context, c cid.Cid) ([]peer.AddrInfo, error)
}

// BlockExchange requests one block from one peer. Implemented by the bitswap
// wire protocol adapter.
type BlockExchange interface {
	RequestBlock(ctx context.Context, p peer.AddrInfo, c cid.Cid) ([]byte, error)
}

// BlockCallback receives the outcome of a block request exactly once: the
// block bytes on success, or a nil slice with ErrFetchIncomplete on
// exhaustion or ErrCancelled on shutdown.
type BlockCallback func(data []byte, err error)

// BlockAccessor coordinates provider discovery and per-peer block requests.
// Requests for distinct CIDs never serialize on each other; each runs on its
// own goroutine.
type BlockAccessor struct {
	discovery ProviderDiscovery
	exchange  BlockExchange
	timeout   time.Duration
	cache     *blockCache
	logger    *logrus.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewBlockAccessor wires a BlockAccessor. cacheDir may be empty to disable
// the on-disk cache.
func NewBlockAccessor(discovery ProviderDiscovery, exchange BlockExchange, cacheDir string, lg *logrus.Logger) (*BlockAccessor, error) {
	if discovery == nil || exchange == nil {
		return nil, errors.New("block accessor: discovery and exchange required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	var cache *blockCache
	if cacheDir != "" {
		var err error
		cache, err = newBlockCache(cacheDir, 0)
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BlockAccessor{
		discovery: discovery,
		exchange:  exchange,
		timeout:   DefaultBlockRequestTimeout,
		cache:     cache,
		logger:    lg,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetBlockRequestTimeout overrides the default request deadline.
func (a *BlockAccessor) SetBlockRequestTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// RequestBlock resolves providers for c and asks them one by one until the
// first success. When the provider list is exhausted before the deadline the
// list is re-queried, since providers may have changed. cb is invoked exactly
// once.
func (a *BlockAccessor) RequestBlock(ctx context.Context, c cid.Cid, cb BlockCallback) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		cb(nil, ErrCancelled)
		return
	}
	timeout := a.timeout
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		data, err := a.requestBlock(ctx, c, timeout)
		cb(data, err)
	}()
}

// GetBlock is the synchronous form of RequestBlock.
func (a *BlockAccessor) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, ErrCancelled
	}
	timeout := a.timeout
	a.mu.Unlock()
	return a.requestBlock(ctx, c, timeout)
}

func (a *BlockAccessor) requestBlock(ctx context.Context, c cid.Cid, timeout time.Duration) ([]byte, error) {
	cidStr := c.String()
	if a.cache != nil {
		if data, ok := a.cache.get(cidStr); ok {
			return data, nil
		}
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// Tie the request to accessor shutdown as well.
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	for {
		providers, err := a.discovery.FindProviders(reqCtx, c)
		if err != nil {
			a.logger.Errorf("block accessor: cannot find providers for %s: %v", cidStr, err)
		}
		for _, p := range providers {
			data, err := a.exchange.RequestBlock(reqCtx, p, c)
			if err == nil {
				a.logger.Debugf("block accessor: received %d bytes for %s from %s", len(data), cidStr, p.ID)
				if a.cache != nil {
					_ = a.cache.put(cidStr, data)
				}
				return data, nil
			}
			a.logger.Debugf("block accessor: provider %s failed for %s: %v", p.ID, cidStr, err)
			if reqCtx.Err() != nil {
				break
			}
		}

		if a.ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if ctx.Err() != nil || time.Since(start) >= timeout {
			a.logger.Debugf("block accessor: request timeout for %s", cidStr)
			return nil, ErrFetchIncomplete
		}
	}
}

// Stop refuses new requests and waits for in-flight requests to unwind. Any
// request still running observes a cancelled context and completes with
// ErrCancelled.
func (a *BlockAccessor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}
