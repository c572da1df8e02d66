package transport

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// sendQueueDepth bounds each connection's outbound batch queue (§4.4).
const sendQueueDepth = proto.SendQueueDepth

// OutboundBatch is whatever the capture server hands a connection to drain
// onto the wire; the transport package does not know its internal shape.
type OutboundBatch = interface{}

// ViewerConnection tracks one authenticated viewer's per-stream framers and
// the epoch numbers it has last delivered, so the sender knows when a
// RuntimeConfig change requires a resync push ahead of the next batch.
type ViewerConnection struct {
	log *log.Logger

	clientFramer *Framer
	serverFramer *Framer

	seenRendezvous     bool
	seenAuthentication bool
	mu                 sync.Mutex

	deliveredCaptureConfigEpoch atomic.Uint32
	deliveredExtrinsicsEpoch    atomic.Uint32
	deliveredVideoInfoEpoch     atomic.Uint32

	queue chan OutboundBatch

	guid    uint64
	closed  atomic.Bool
}

// NewViewerConnection wraps a freshly-authenticated connection.
func NewViewerConnection(guid uint64, clientSK, serverSK [32]byte, logger *log.Logger) (*ViewerConnection, error) {
	clientFramer, err := NewFramer(clientSK)
	if err != nil {
		return nil, err
	}
	serverFramer, err := NewFramer(serverSK)
	if err != nil {
		return nil, err
	}
	return &ViewerConnection{
		log:          logger,
		clientFramer: clientFramer,
		serverFramer: serverFramer,
		queue:        make(chan OutboundBatch, sendQueueDepth),
		guid:         guid,
	}, nil
}

// ClientFramer encrypts traffic this connection sends to the client.
func (c *ViewerConnection) ClientFramer() *Framer { return c.serverFramer }

// ServerFramer decrypts traffic this connection receives from the client.
func (c *ViewerConnection) ServerFramer() *Framer { return c.clientFramer }

// NeedsResync reports which of the three tracked epochs are stale relative
// to the current RuntimeConfig state, so the caller can push the
// corresponding full state before the next batch.
func (c *ViewerConnection) NeedsResync(captureConfigEpoch, extrinsicsEpoch, videoInfoEpoch uint32) (config, extrinsics, videoInfo bool) {
	config = c.deliveredCaptureConfigEpoch.Load() != captureConfigEpoch
	extrinsics = c.deliveredExtrinsicsEpoch.Load() != extrinsicsEpoch
	videoInfo = c.deliveredVideoInfoEpoch.Load() != videoInfoEpoch
	return
}

// MarkDelivered records that the connection has just sent a fresh copy of
// the state tagged by the given epoch.
func (c *ViewerConnection) MarkDelivered(captureConfigEpoch, extrinsicsEpoch, videoInfoEpoch *uint32) {
	if captureConfigEpoch != nil {
		c.deliveredCaptureConfigEpoch.Store(*captureConfigEpoch)
	}
	if extrinsicsEpoch != nil {
		c.deliveredExtrinsicsEpoch.Store(*extrinsicsEpoch)
	}
	if videoInfoEpoch != nil {
		c.deliveredVideoInfoEpoch.Store(*videoInfoEpoch)
	}
}

// Enqueue adds a batch to the send queue. On overflow it logs and drops the
// batch rather than blocking the capture pipeline (§4.4 "Send queueing").
func (c *ViewerConnection) Enqueue(b OutboundBatch) {
	select {
	case c.queue <- b:
	default:
		c.log.Printf("connection %d: send queue full (%d), dropping batch", c.guid, sendQueueDepth)
	}
}

// Drain pops at most one queued batch, for callers that drain one per tick.
func (c *ViewerConnection) Drain() (OutboundBatch, bool) {
	select {
	case b := <-c.queue:
		return b, true
	default:
		return nil, false
	}
}

// MarkHandshakeStageSeen enforces duplicate suppression for the two
// handshake-adjacent messages that must each be processed at most once:
// rendezvous lookup and the authentication sequence as a whole.
func (c *ViewerConnection) MarkHandshakeStageSeen(stream proto.StreamName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch stream {
	case proto.StreamRendezvous:
		if c.seenRendezvous {
			return false
		}
		c.seenRendezvous = true
		return true
	case proto.StreamAuthentication:
		if c.seenAuthentication {
			return false
		}
		c.seenAuthentication = true
		return true
	default:
		return true
	}
}

// Close marks the connection closed; idempotent.
func (c *ViewerConnection) Close() {
	c.closed.Store(true)
}

// Closed reports whether Close has been called.
func (c *ViewerConnection) Closed() bool {
	return c.closed.Load()
}
