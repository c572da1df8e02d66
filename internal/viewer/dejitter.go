package viewer

import (
	"log"
	"sort"
	"sync"
	"time"
)

// defaultTargetQueueDepthUsec is the steady-state amount of latency the dejitter
// engine is willing to add to smooth out jitter (§4.6).
const defaultTargetQueueDepthUsec = 500_000

// mergeWindowUsec is how close two servers' front batches' video_boot_usec
// must be to be released together as one combined DecodedBatch.
const mergeWindowUsec = 30_000

// resyncInterval re-anchors the local/video clock pairing periodically so
// long sessions don't accumulate float drift in the running rate estimate.
const resyncInterval = 500 * time.Millisecond

// DecodedBatch is one server's contribution: every DecodedFrame sharing a
// video_boot_usec.
type DecodedBatch struct {
	ServerGUID   uint64
	VideoBootUsec int64
	Frames       []DecodedFrame
}

// Merged is what the release loop hands to the renderer: decoded batches
// from every server whose front batch was within mergeWindowUsec of the
// earliest, released together as one renderer tick.
type Merged struct {
	Batches []DecodedBatch
}

// FrameHistory is one server's ordered queue of not-yet-released batches,
// earliest first.
type FrameHistory struct {
	batches []DecodedBatch
}

func (h *FrameHistory) front() (DecodedBatch, bool) {
	if len(h.batches) == 0 {
		return DecodedBatch{}, false
	}
	return h.batches[0], true
}

func (h *FrameHistory) pop() {
	if len(h.batches) > 0 {
		h.batches = h.batches[1:]
	}
}

// insertFrame inserts a decoded frame into the correct batch (by
// video_boot_usec) or creates a new one at the correct sorted position.
func (h *FrameHistory) insertFrame(videoBootUsec int64, f DecodedFrame) {
	for i := range h.batches {
		if h.batches[i].VideoBootUsec == videoBootUsec {
			h.batches[i].Frames = append(h.batches[i].Frames, f)
			return
		}
	}
	nb := DecodedBatch{VideoBootUsec: videoBootUsec, Frames: []DecodedFrame{f}}
	idx := sort.Search(len(h.batches), func(i int) bool {
		return h.batches[i].VideoBootUsec > videoBootUsec
	})
	h.batches = append(h.batches, DecodedBatch{})
	copy(h.batches[idx+1:], h.batches[idx:])
	h.batches[idx] = nb
}

// Dejitter merges decoded frame streams from any number of capture servers
// into a single steady presentation cadence (§4.6).
type Dejitter struct {
	log *log.Logger

	mu          sync.Mutex
	histories   map[uint64]*FrameHistory
	lastVideo   map[uint64]int64

	targetQueueDepthUsec int64

	lastReleasedLocalUsec int64
	lastReleasedVideoUsec int64
	syncLocalUsec         int64
	syncVideoUsec         int64
	lastResync            time.Time

	now func() time.Time

	output chan Merged
	stop   chan struct{}
}

// NewDejitter returns a dejitter engine with the default 500ms target depth.
func NewDejitter(logger *log.Logger) *Dejitter {
	return &Dejitter{
		log:                  logger,
		histories:            make(map[uint64]*FrameHistory),
		lastVideo:            make(map[uint64]int64),
		targetQueueDepthUsec: defaultTargetQueueDepthUsec,
		now:                  time.Now,
		output:               make(chan Merged, 4),
		stop:                 make(chan struct{}),
	}
}

// SetTargetQueueDepth overrides the default 500ms target, in microseconds.
func (d *Dejitter) SetTargetQueueDepth(usec int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetQueueDepthUsec = usec
}

// Output is the channel the renderer reads merged batches from.
func (d *Dejitter) Output() <-chan Merged { return d.output }

// Insert adds one decoded frame from serverGUID, sharing videoBootUsec with
// any other frames in the same shutter instant.
func (d *Dejitter) Insert(serverGUID uint64, videoBootUsec int64, f DecodedFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, seen := d.lastVideo[serverGUID]
	if seen {
		gap := videoBootUsec - last
		if gap > 2*d.targetQueueDepthUsec {
			d.log.Printf("dejitter: server %d stalled %dus, clearing history", serverGUID, gap)
			delete(d.histories, serverGUID)
			seen = false
		} else if videoBootUsec <= d.lastReleasedVideoUsec {
			return // stale relative to what has already been released
		}
	}

	h, ok := d.histories[serverGUID]
	if !ok {
		h = &FrameHistory{}
		d.histories[serverGUID] = h
	}
	h.insertFrame(videoBootUsec, f)
	d.lastVideo[serverGUID] = videoBootUsec
	_ = seen
}

// Run drives the release loop until Stop is called. It should run on its
// own goroutine.
func (d *Dejitter) Run() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// Stop ends the release loop.
func (d *Dejitter) Stop() {
	close(d.stop)
}

func (d *Dejitter) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.histories) == 0 {
		return
	}

	// Need at least 2 batches queued per history for lookahead.
	for _, h := range d.histories {
		if len(h.batches) < 2 {
			return
		}
	}

	var earliestGUID uint64
	var earliest DecodedBatch
	found := false
	for guid, h := range d.histories {
		front, ok := h.front()
		if !ok {
			continue
		}
		if !found || front.VideoBootUsec < earliest.VideoBootUsec {
			earliest, earliestGUID = front, guid
			found = true
		}
	}
	if !found {
		return
	}
	_ = earliestGUID

	queuedUsec := d.queuedDepthUsec(earliest.VideoBootUsec)
	if queuedUsec > (d.targetQueueDepthUsec*3)/2 {
		d.log.Printf("dejitter: queue depth %dus exceeds 1.5x target, clearing backlog", queuedUsec)
		d.clearExcessBacklog(earliest.VideoBootUsec)
	}

	playbackSpeed := float64(queuedUsec) / float64(d.targetQueueDepthUsec)
	if playbackSpeed < 1 {
		playbackSpeed = 1
	}

	now := d.now()
	if d.syncLocalUsec == 0 {
		d.syncLocalUsec = now.UnixMicro()
		d.syncVideoUsec = earliest.VideoBootUsec
		d.lastResync = now
	}

	elapsedLocal := now.UnixMicro() - d.syncLocalUsec
	remaining := (earliest.VideoBootUsec - d.syncVideoUsec) - int64(float64(elapsedLocal)*playbackSpeed)
	if remaining > 1000 {
		return
	}

	if now.Sub(d.lastResync) >= resyncInterval {
		d.syncLocalUsec = now.UnixMicro()
		d.syncVideoUsec = earliest.VideoBootUsec
		d.lastResync = now
	}

	merged := d.popMergeable(earliest.VideoBootUsec)
	d.lastReleasedLocalUsec = now.UnixMicro()
	d.lastReleasedVideoUsec = earliest.VideoBootUsec

	select {
	case d.output <- merged:
	default:
		d.log.Printf("dejitter: renderer output channel full, dropping a merged batch")
	}
}

// queuedDepthUsec estimates how much video time is queued ahead of the
// given earliest batch, using the deepest history as the bound.
func (d *Dejitter) queuedDepthUsec(earliestVideoUsec int64) int64 {
	var max int64
	for _, h := range d.histories {
		if len(h.batches) == 0 {
			continue
		}
		last := h.batches[len(h.batches)-1].VideoBootUsec
		depth := last - earliestVideoUsec
		if depth > max {
			max = depth
		}
	}
	return max
}

// clearExcessBacklog drops all but the most recent couple of batches in
// every history, to recover from a sustained stall without carrying an
// ever-growing delay.
func (d *Dejitter) clearExcessBacklog(earliestVideoUsec int64) {
	for _, h := range d.histories {
		for len(h.batches) > 2 {
			h.pop()
		}
	}
}

// popMergeable pops the front batch from every history whose front batch is
// within mergeWindowUsec of earliestVideoUsec and combines them.
func (d *Dejitter) popMergeable(earliestVideoUsec int64) Merged {
	var out Merged
	for _, h := range d.histories {
		front, ok := h.front()
		if !ok {
			continue
		}
		delta := front.VideoBootUsec - earliestVideoUsec
		if delta < 0 {
			delta = -delta
		}
		if delta <= mergeWindowUsec {
			out.Batches = append(out.Batches, front)
			h.pop()
		}
	}
	return out
}
