package core

// core/services.go
//
// Explicit wiring of the coordination core. Services is constructed once at
// startup and passed around instead of a process-wide registry; tests build
// their own, swapping components for fakes.

import (
	"context"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	logrus "github.com/sirupsen/logrus"

	"gridfabric-network/pkg/config"
)

// Services holds handles to every core component of a running grid node.
type Services struct {
	Node        *Node
	Peers       *PeerManagement
	Backend     ds.Batching
	DAGStore    *DAGStore
	Exchange    *StreamBlockExchange
	Accessor    *BlockAccessor
	Syncer      *DAGSyncer
	Broadcaster *PubSubBroadcaster
	DB          *CrdtDatastore
	TaskQueue   *TaskQueue
	Core        ProcessingCore
	Service     *ProcessingService

	logger *logrus.Logger
}

// NewServices wires the full stack over an opened backend. identityDir
// roots the keypair storage; processor may be nil to run the identity
// processor.
func NewServices(cfg *config.Config, backend ds.Batching, identityDir string, processor ChunkProcessor, lg *logrus.Logger) (*Services, error) {
	if lg == nil {
		lg = logrus.New()
	}

	keys, err := NewKeypairStorage(identityDir, lg)
	if err != nil {
		return nil, err
	}
	identity, err := keys.GetKeypair()
	if err != nil {
		return nil, err
	}

	node, err := NewNode(NetworkConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, identity, lg)
	if err != nil {
		return nil, err
	}

	svcs := &Services{Node: node, Backend: backend, logger: lg}
	if err := svcs.wire(cfg, processor); err != nil {
		node.Close()
		return nil, err
	}
	return svcs, nil
}

func (s *Services) wire(cfg *config.Config, processor ChunkProcessor) error {
	lg := s.logger

	dagStore, err := NewDAGStore(s.Backend, lg)
	if err != nil {
		return err
	}
	s.DAGStore = dagStore
	s.Exchange = NewStreamBlockExchange(s.Node.Host(), dagStore, lg)
	s.Peers = NewPeerManagement(s.Node, lg)

	accessor, err := NewBlockAccessor(s.Node.DHT(), s.Exchange, cfg.Storage.CacheDir, lg)
	if err != nil {
		return err
	}
	accessor.SetBlockRequestTimeout(cfg.Processing.BlockRequestTimeout)
	s.Accessor = accessor

	syncer, err := NewDAGSyncer(dagStore, accessor, lg)
	if err != nil {
		return err
	}
	s.Syncer = syncer

	broadcaster, err := s.Node.NewBroadcaster(cfg.Network.DeltaTopic)
	if err != nil {
		return err
	}
	s.Broadcaster = broadcaster

	db, err := NewCrdtDatastore(s.Backend, ds.NewKey("/crdt"), dagStore, syncer, broadcaster, &CrdtOptions{Logger: lg})
	if err != nil {
		return err
	}
	s.DB = db

	taskQueue, err := NewTaskQueue(db, s.Node.ID(), lg)
	if err != nil {
		return err
	}
	taskQueue.SetProcessingTimeout(cfg.Processing.ProcessingTimeout)
	s.TaskQueue = taskQueue

	if processor == nil {
		processor = IdentityChunkProcessor{}
	}
	core, err := NewProcessingCore(accessor, processor, dagStore, nil, lg)
	if err != nil {
		return err
	}
	s.Core = core

	service, err := NewProcessingService(s.Node, taskQueue, core, s.Node.ID(), ServiceConfig{
		MaximalNodesCount:         cfg.Processing.MaximalNodesCount,
		RoomCapacity:              cfg.Processing.ProcessingRoomCapacity,
		ChannelListRequestTimeout: cfg.Processing.ChannelListRequestTimeout,
		NodeCreationTimeout:       cfg.Processing.NodeCreationTimeout,
	}, lg)
	if err != nil {
		return err
	}
	s.Service = service
	return nil
}

// StartProcessing joins the grid channel and begins leasing work.
func (s *Services) StartProcessing(gridChannelID string) error {
	return s.Service.StartProcessing(gridChannelID)
}

// SubmitTask stores the task input as a DAG block, advertises it and
// enqueues the task with its subtasks.
func (s *Services) SubmitTask(ctx context.Context, task *Task, subTasks []SubTask, input []byte) error {
	if len(input) > 0 {
		c, err := s.DAGStore.Put(ctx, &DAGNode{Data: input})
		if err != nil {
			return err
		}
		if err := s.Peers.AdvertiseBlock(ctx, c); err != nil {
			s.logger.Warnf("services: advertising input %s failed: %v", c, err)
		}
		for i := range subTasks {
			if subTasks[i].InputCID == "" {
				subTasks[i].InputCID = c.String()
			}
		}
	}
	return s.TaskQueue.Enqueue(ctx, task, subTasks)
}

// Stop tears the node down in reverse dependency order.
func (s *Services) Stop(grace time.Duration) error {
	if s.Service != nil {
		s.Service.StopProcessing(grace)
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			return fmt.Errorf("services: closing datastore: %w", err)
		}
	}
	if s.Broadcaster != nil {
		_ = s.Broadcaster.Close()
	}
	if s.Accessor != nil {
		s.Accessor.Stop()
	}
	if s.Node != nil {
		return s.Node.Close()
	}
	return nil
}
