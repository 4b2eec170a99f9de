package core

// core/processing_core.go
//
// Deterministic per-subtask execution. The input is split chunk-wise by the
// stride parameters carried on the subtask, each chunk runs through the
// model processor, and the per-chunk hashes fold into a rolling digest
// seeded from the worker node identity. Identical inputs on any executor
// implementation produce bit-identical digests.

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	logrus "github.com/sirupsen/logrus"
)

// ValidationSubTaskID marks the subtask that reuses preconfigured validation
// hashes instead of rehashing model output.
const ValidationSubTaskID = "subtask_validation"

// ChunkProcessor runs model inference over one chunk of input. External
// collaborator (MNN/GPU pipeline); implementations must be deterministic.
type ChunkProcessor interface {
	Process(input []byte, chunk ProcessingChunk, paramsJSON string) ([]byte, error)
}

// BlockSource resolves a CID to its raw bytes.
type BlockSource interface {
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)
}

// ProcessingCore is the executor contract: return-by-value, no shared
// accumulators.
type ProcessingCore interface {
	ProcessSubTask(ctx context.Context, subTask SubTask, initialHash []byte) (SubTaskResult, error)
}

// NodeSeed derives the rolling hash seed from a worker node identity.
func NodeSeed(nodeID NodeID) []byte {
	sum := sha256.Sum256([]byte(nodeID))
	return sum[:]
}

// ChunkHash digests raw tensor bytes.
func ChunkHash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RollHash folds one chunk hash into the running digest.
func RollHash(rolling, chunkHash []byte) []byte {
	h := sha256.New()
	h.Write(rolling)
	h.Write(chunkHash)
	return h.Sum(nil)
}

// IdentityChunkProcessor passes chunk bytes through unchanged. Stands in
// for the model pipeline on nodes without an inference backend; digests stay
// deterministic and comparable across such nodes.
type IdentityChunkProcessor struct{}

// Process returns the chunk bytes as the tensor.
func (IdentityChunkProcessor) Process(input []byte, _ ProcessingChunk, _ string) ([]byte, error) {
	return input, nil
}

// ProcessingCoreImpl executes subtasks against a chunk processor.
type ProcessingCoreImpl struct {
	source           BlockSource
	processor        ChunkProcessor
	store            *DAGStore // optional; result payloads are pinned when set
	validationHashes [][]byte
	logger           *logrus.Logger
}

// NewProcessingCore wires an executor. store may be nil; validationHashes
// may be empty when no validation subtask is expected.
func NewProcessingCore(source BlockSource, processor ChunkProcessor, store *DAGStore, validationHashes [][]byte, lg *logrus.Logger) (*ProcessingCoreImpl, error) {
	if source == nil || processor == nil {
		return nil, errors.New("processing core: source and processor required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &ProcessingCoreImpl{
		source:           source,
		processor:        processor,
		store:            store,
		validationHashes: validationHashes,
		logger:           lg,
	}, nil
}

// ProcessSubTask executes one subtask. Any chunk failure aborts with
// ErrExecutionFailed and discards partial results; the subtask stays
// incomplete and the task lease expires normally.
func (p *ProcessingCoreImpl) ProcessSubTask(ctx context.Context, subTask SubTask, initialHash []byte) (SubTaskResult, error) {
	inputCid, err := cid.Decode(subTask.InputCID)
	if err != nil {
		return SubTaskResult{}, fmt.Errorf("subtask %s input cid: %w", subTask.SubTaskID, ErrInvalidArgument)
	}
	input, err := p.source.GetBlock(ctx, inputCid)
	if err != nil {
		return SubTaskResult{}, fmt.Errorf("subtask %s input: %w", subTask.SubTaskID, err)
	}
	// DAG-encoded inputs carry the payload inside a node envelope.
	if inputCid.Prefix().Codec == cid.DagJSON {
		node, err := DecodeDAGNode(input)
		if err != nil {
			return SubTaskResult{}, fmt.Errorf("subtask %s input: %w", subTask.SubTaskID, err)
		}
		input = node.Data
	}

	isValidation := subTask.SubTaskID == ValidationSubTaskID

	rolling := append([]byte(nil), initialHash...)
	chunkHashes := make([][]byte, 0, len(subTask.Chunks))
	var output []byte

	for i, chunk := range subTask.Chunks {
		var chunkHash []byte
		if isValidation && i < len(p.validationHashes) {
			chunkHash = p.validationHashes[i]
		} else {
			chunkData, err := extractChunk(input, chunk)
			if err != nil {
				return SubTaskResult{}, fmt.Errorf("subtask %s chunk %s: %w", subTask.SubTaskID, chunk.ChunkID, err)
			}
			tensor, err := p.processor.Process(chunkData, chunk, subTask.ParamsJSON)
			if err != nil {
				p.logger.Debugf("processing core: chunk %s failed: %v", chunk.ChunkID, err)
				return SubTaskResult{}, fmt.Errorf("subtask %s chunk %s: %w", subTask.SubTaskID, chunk.ChunkID, ErrExecutionFailed)
			}
			chunkHash = ChunkHash(tensor)
			output = append(output, tensor...)
		}
		chunkHashes = append(chunkHashes, chunkHash)
		rolling = RollHash(rolling, chunkHash)
	}

	result := SubTaskResult{
		SubTaskID:   subTask.SubTaskID,
		ChunkHashes: chunkHashes,
		RollingHash: rolling,
	}

	if len(output) > 0 {
		resultCid, err := p.storeOutput(ctx, output)
		if err != nil {
			return SubTaskResult{}, err
		}
		result.ResultCID = resultCid.String()
	}
	return result, nil
}

func (p *ProcessingCoreImpl) storeOutput(ctx context.Context, output []byte) (cid.Cid, error) {
	if p.store != nil {
		return p.store.Put(ctx, &DAGNode{Data: output})
	}
	return RawDataCid(output)
}

// extractChunk gathers the bytes addressed by the chunk's stride parameters:
// Subchunks blocks, each SubchunkHeight lines of SubchunkWidth*Channels
// bytes, lines LineStride apart, blocks Stride apart from Offset.
func extractChunk(input []byte, chunk ProcessingChunk) ([]byte, error) {
	channels := uint64(chunk.Channels)
	if channels == 0 {
		channels = 1
	}
	subchunks := uint64(chunk.Subchunks)
	if subchunks == 0 {
		subchunks = 1
	}
	lineLen := uint64(chunk.SubchunkWidth) * channels

	out := make([]byte, 0, subchunks*uint64(chunk.SubchunkHeight)*lineLen)
	for s := uint64(0); s < subchunks; s++ {
		base := chunk.Offset + s*chunk.Stride
		for line := uint64(0); line < uint64(chunk.SubchunkHeight); line++ {
			start := base + line*chunk.LineStride
			end := start + lineLen
			if end > uint64(len(input)) {
				return nil, fmt.Errorf("chunk %s out of range [%d:%d) of %d: %w",
					chunk.ChunkID, start, end, len(input), ErrInvalidArgument)
			}
			out = append(out, input[start:end]...)
		}
	}
	return out, nil
}
