package core

// common_structs.go – centralised struct definitions referenced across the
// coordination core. This file declares data structures only (no functions)
// to keep cross-file dependencies flat.
// -----------------------------------------------------------------------------

import (
	"github.com/ipfs/go-cid"
)

//---------------------------------------------------------------------
// Node identity
//---------------------------------------------------------------------

// NodeID is the textual libp2p peer identifier of a grid participant.
type NodeID string

//---------------------------------------------------------------------
// DAG layer
//---------------------------------------------------------------------

// DAGNode is a content-addressed node: an opaque payload plus typed links to
// child CIDs. Encoding is deterministic so hash(encode(node)) is canonical.
type DAGNode struct {
	Data  []byte    `json:"data"`
	Links []cid.Cid `json:"links,omitempty"`
}

//---------------------------------------------------------------------
// CRDT layer
//---------------------------------------------------------------------

// DeltaElement is one add or tombstone entry inside a Delta. ID is filled
// with the CID of the delta's own DAG node at publish time.
type DeltaElement struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Delta is an incremental CRDT update: adds plus tombstones with a priority.
// Deltas form a DAG; the parent links live on the enclosing DAGNode.
type Delta struct {
	Priority   uint64         `json:"priority"`
	Elements   []DeltaElement `json:"elements,omitempty"`
	Tombstones []DeltaElement `json:"tombstones,omitempty"`
}

//---------------------------------------------------------------------
// Task layer
//---------------------------------------------------------------------

// Task is a unit of computation advertised on the grid. Ownership moves from
// the submitter to the replicated store on enqueue and is consumed on
// completion.
type Task struct {
	TaskID          string `json:"task_id"`
	EscrowRef       string `json:"escrow_ref,omitempty"`
	SubTaskCount    uint32 `json:"subtask_count"`
	ResultChannelID string `json:"result_channel_id,omitempty"`
	MetadataJSON    string `json:"metadata_json,omitempty"`
}

// ProcessingChunk names a deterministic slice of a subtask input addressable
// by byte-stride parameters.
type ProcessingChunk struct {
	ChunkID        string `json:"chunk_id"`
	Offset         uint64 `json:"offset"`
	Stride         uint64 `json:"stride"`
	LineStride     uint64 `json:"line_stride"`
	Subchunks      uint32 `json:"n_subchunks"`
	SubchunkHeight uint32 `json:"subchunk_height"`
	SubchunkWidth  uint32 `json:"subchunk_width"`
	Channels       uint32 `json:"channels"`
}

// SubTask is one shard of a task.
type SubTask struct {
	SubTaskID  string            `json:"subtask_id"`
	TaskID     string            `json:"task_id"`
	InputCID   string            `json:"input_cid"`
	Chunks     []ProcessingChunk `json:"chunk_list"`
	ParamsJSON string            `json:"params_json,omitempty"`
}

// TaskLock is the lease row stored at lock_tasks/<task_id>. Presence means
// leased, absence means free. The node id participates in the CRDT
// lexicographic tiebreak so one logical owner survives a race.
type TaskLock struct {
	TaskID        string `json:"task_id"`
	NodeID        NodeID `json:"node_id"`
	LockTimestamp int64  `json:"lock_timestamp"`
}

// SubTaskResult is the digest a worker publishes for one subtask.
// RollingHash is a deterministic fold of ChunkHashes seeded from the worker
// node identity.
type SubTaskResult struct {
	SubTaskID   string   `json:"subtask_id"`
	ResultCID   string   `json:"result_cid,omitempty"`
	ChunkHashes [][]byte `json:"chunk_hashes"`
	RollingHash []byte   `json:"rolling_hash"`
	NodeID      NodeID   `json:"node_id,omitempty"`
}

// TaskResult aggregates the subtask digests written at task completion.
type TaskResult struct {
	TaskID         string          `json:"task_id"`
	SubTaskResults []SubTaskResult `json:"subtask_results"`
}

//---------------------------------------------------------------------
// Processing rooms (pubsub only, never persisted in the CRDT store)
//---------------------------------------------------------------------

// RoomNode is one member entry inside a room snapshot.
type RoomNode struct {
	NodeID    NodeID `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// ProcessingRoomState is the room snapshot broadcast on the per-task topic.
type ProcessingRoomState struct {
	TaskID        string     `json:"task_id"`
	HostNodeID    NodeID     `json:"host_node_id"`
	Capacity      uint32     `json:"capacity"`
	Nodes         []RoomNode `json:"nodes"`
	CreatedAt     int64      `json:"created_at"`
	LastUpdatedAt int64      `json:"last_updated_at"`
}

// RoomRequestJoin is the only room request type currently defined.
const RoomRequestJoin = "JOIN"

// RoomRequest asks the room host to admit a node.
type RoomRequest struct {
	NodeID NodeID `json:"node_id"`
	Type   string `json:"type"`
}

// NodeCreationIntent announces that a lock winner is about to materialise a
// subtask queue, letting competing peers cancel their own pending creation.
type NodeCreationIntent struct {
	PeerAddress    string `json:"peer_address"`
	SubTaskQueueID string `json:"subtask_queue_id"`
}

// SubTaskQueueSnapshot carries the authoritative subtask list from the room
// host to joining members.
type SubTaskQueueSnapshot struct {
	QueueID  string    `json:"queue_id"`
	TaskID   string    `json:"task_id"`
	SubTasks []SubTask `json:"subtasks"`
}

// ProcessingChannelMessage is the envelope for per-task topic traffic.
// Exactly one field is set.
type ProcessingChannelMessage struct {
	RoomRequest    *RoomRequest          `json:"room_request,omitempty"`
	Room           *ProcessingRoomState  `json:"room,omitempty"`
	CreationIntent *NodeCreationIntent   `json:"node_creation_intent,omitempty"`
	Result         *SubTaskResult        `json:"subtask_result,omitempty"`
	Queue          *SubTaskQueueSnapshot `json:"subtask_queue,omitempty"`
}

// ChannelResponse advertises a room with open capacity on the grid channel.
type ChannelResponse struct {
	ChannelID string `json:"channel_id"`
	Capacity  uint32 `json:"capacity"`
	Joined    uint32 `json:"joined"`
}

// ChannelRequest solicits channel advertisements from room hosts.
type ChannelRequest struct {
	Environment string `json:"environment,omitempty"`
}

// GridChannelMessage is the envelope for grid-wide topic traffic. Exactly one
// field is set.
type GridChannelMessage struct {
	Request  *ChannelRequest  `json:"channel_request,omitempty"`
	Response *ChannelResponse `json:"channel_response,omitempty"`
}
