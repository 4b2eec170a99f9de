package core

// core/block_exchange.go
//
// Minimal block request/response protocol over libp2p streams, the adapter
// behind the BlockExchange interface. One request per stream: the requester
// writes the CID on one line, the responder answers with a length-prefixed
// payload or a zero length for "not found".

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	logrus "github.com/sirupsen/logrus"
)

// BlockProtocolID identifies the block exchange protocol on the host.
const BlockProtocolID = protocol.ID("/gridfabric/block/1.0.0")

// maxBlockSize caps a single transferred block.
const maxBlockSize = 64 << 20

// peerstoreAddrTTL is how long discovered provider addresses stay usable.
const peerstoreAddrTTL = 10 * time.Minute

// StreamBlockExchange serves local DAG blocks to peers and requests remote
// ones. It implements BlockExchange.
type StreamBlockExchange struct {
	host   host.Host
	store  *DAGStore
	logger *logrus.Logger
}

// NewStreamBlockExchange registers the protocol handler on h and returns
// the exchange.
func NewStreamBlockExchange(h host.Host, store *DAGStore, lg *logrus.Logger) *StreamBlockExchange {
	if lg == nil {
		lg = logrus.New()
	}
	ex := &StreamBlockExchange{host: h, store: store, logger: lg}
	h.SetStreamHandler(BlockProtocolID, ex.handleStream)
	return ex
}

// handleStream answers one block request.
func (ex *StreamBlockExchange) handleStream(stream network.Stream) {
	defer stream.Close()

	line, err := bufio.NewReader(stream).ReadString('\n')
	if err != nil {
		return
	}
	c, err := cid.Decode(strings.TrimSpace(line))
	if err != nil {
		ex.logger.Debugf("block exchange: bad cid from %s", stream.Conn().RemotePeer())
		return
	}

	data, err := ex.store.GetEncoded(context.Background(), c)
	if err != nil {
		// Zero length signals absence.
		var lenBuf [8]byte
		_, _ = stream.Write(lenBuf[:])
		return
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return
	}
	_, _ = stream.Write(data)
}

// RequestBlock implements BlockExchange: fetch c from peer p.
func (ex *StreamBlockExchange) RequestBlock(ctx context.Context, p peer.AddrInfo, c cid.Cid) ([]byte, error) {
	if len(p.Addrs) > 0 {
		ex.host.Peerstore().AddAddrs(p.ID, p.Addrs, peerstoreAddrTTL)
	}
	stream, err := ex.host.NewStream(ctx, p.ID, BlockProtocolID)
	if err != nil {
		return nil, fmt.Errorf("block exchange: stream to %s: %w", p.ID, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if _, err := stream.Write([]byte(c.String() + "\n")); err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint64(lenBuf[:])
	if size == 0 {
		return nil, fmt.Errorf("block %s at %s: %w", c, p.ID, ErrNotFound)
	}
	if size > maxBlockSize {
		return nil, fmt.Errorf("block %s size %d: %w", c, size, ErrInvalidArgument)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, err
	}
	return data, nil
}
