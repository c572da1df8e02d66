package capture

import (
	"sync"

	"github.com/orbo-rgbd/xrcap/internal/timesync"
)

// historyCapacity bounds per-camera matching latency: 8 frames at 30 Hz is
// about 250 ms.
const historyCapacity = 8

// RawFrame is the per-camera, per-shutter output of the camera driver.
type RawFrame struct {
	DeviceIndex   int
	FrameNumber   uint32
	Framerate     int

	ColorBytes         []byte
	ColorIsMJPEG       bool
	ColorWidth         int
	ColorHeight        int
	ColorStride        int
	DepthU16           []uint16
	DepthWidth         int
	DepthHeight        int
	DepthStride        int

	DepthDeviceUsec int64
	DepthSystemUsec int64
	ColorDeviceUsec int64
	ColorSystemUsec int64
	ColorExposureUsec int64
	ColorAWBUsec      int64
	ColorISO          int

	Accel AccelSample

	SyncDeviceUsec int64
	SyncSystemUsec int64

	mu      sync.Mutex
	matched bool
}

// MarkMatched transitions the frame false->true exactly once. It reports
// whether this call performed the transition (i.e. whether the frame was
// previously unmatched), enforcing invariant I2.
func (f *RawFrame) MarkMatched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matched {
		return false
	}
	f.matched = true
	return true
}

// Matched reports the current matched state.
func (f *RawFrame) Matched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matched
}

// History is a fixed-capacity ring of the most recent raw frames from one
// camera, replacing a linked list: head/tail indices over a flat array.
type History struct {
	mu     sync.Mutex
	frames [historyCapacity]*RawFrame
	next   int
	count  int
}

// NewHistory returns an empty ring.
func NewHistory() *History { return &History{} }

// Push adds a frame, evicting the oldest entry once the ring is full.
func (h *History) Push(f *RawFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[h.next] = f
	h.next = (h.next + 1) % historyCapacity
	if h.count < historyCapacity {
		h.count++
	}
}

// Snapshot returns the currently-held frames, oldest first. The matcher reads
// rings but never writes them (other than via atomic MarkMatched on the
// frames themselves), so a snapshot copy is safe to scan without holding the
// ring lock during the scan.
func (h *History) Snapshot() []*RawFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*RawFrame, 0, h.count)
	start := (h.next - h.count + historyCapacity) % historyCapacity
	for i := 0; i < h.count; i++ {
		idx := (start + i) % historyCapacity
		if h.frames[idx] != nil {
			out = append(out, h.frames[idx])
		}
	}
	return out
}

// matchWindowUsec is the maximum allowed pairwise sync-time skew for two
// frames to be considered the same shutter instant.
const matchWindowUsec = 20_000

// closestUnmatched scans a ring for the unmatched frame with sync time
// closest to target, returning nil if none is within matchWindowUsec.
func closestUnmatched(h *History, targetUsec int64) *RawFrame {
	var best *RawFrame
	var bestDelta int64
	for _, f := range h.Snapshot() {
		if f.Matched() {
			continue
		}
		delta := f.SyncSystemUsec - targetUsec
		if delta < 0 {
			delta = -delta
		}
		if delta >= matchWindowUsec {
			continue
		}
		if best == nil || delta < bestDelta {
			best, bestDelta = f, delta
		}
	}
	return best
}

// Matcher pairs frames across cameras into Batches (§4.2). One Matcher
// instance is shared by all camera workers on a capture server; it owns no
// ring itself (each camera worker owns its own History) but reads all of
// them to find candidate matches.
type Matcher struct {
	mu        sync.Mutex
	histories map[int]*History
	estimators map[int]*timesync.OffsetEstimator
	nextBatch uint32
}

// NewMatcher returns a matcher with no cameras registered yet.
func NewMatcher() *Matcher {
	return &Matcher{
		histories:  make(map[int]*History),
		estimators: make(map[int]*timesync.OffsetEstimator),
	}
}

// RegisterCamera adds a camera to the active set the matcher requires a
// candidate from before it will emit a batch.
func (m *Matcher) RegisterCamera(deviceIndex int) *History {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := NewHistory()
	m.histories[deviceIndex] = h
	m.estimators[deviceIndex] = timesync.NewOffsetEstimator()
	return h
}

// Estimator returns the per-camera clock-offset estimator, creating it if
// the camera was not already registered.
func (m *Matcher) Estimator(deviceIndex int) *timesync.OffsetEstimator {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.estimators[deviceIndex]
	if !ok {
		e = timesync.NewOffsetEstimator()
		m.estimators[deviceIndex] = e
	}
	return e
}

// TryMatch attempts to pair `incoming` (already pushed into its own camera's
// history) against every other active camera. It returns a Batch and true
// only once a qualifying candidate exists for every other active camera;
// otherwise it returns false and leaves all frames unmatched so the caller
// keeps waiting: drop nothing.
func (m *Matcher) TryMatch(incoming *RawFrame) (*Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	others := make(map[int]*History, len(m.histories))
	for idx, h := range m.histories {
		if idx != incoming.DeviceIndex {
			others[idx] = h
		}
	}

	candidates := map[int]*RawFrame{incoming.DeviceIndex: incoming}
	for idx, h := range others {
		c := closestUnmatched(h, incoming.SyncSystemUsec)
		if c == nil {
			return nil, false
		}
		candidates[idx] = c
	}

	// Scan and claim stay under the same lock: no concurrent TryMatch call
	// can select an overlapping candidate set, so a claim here can never
	// fail and leave a stray matched-but-unbatched frame behind.
	for _, f := range candidates {
		if !f.MarkMatched() {
			return nil, false
		}
	}

	// Tie-break: the earliest sync timestamp across cameras is the batch's
	// sync time, minimizing skew against peer capture hosts.
	earliest := candidates[incoming.DeviceIndex].SyncSystemUsec
	for _, f := range candidates {
		if f.SyncSystemUsec < earliest {
			earliest = f.SyncSystemUsec
		}
	}

	m.nextBatch++
	num := m.nextBatch

	images := make([]*RawFrame, 0, len(candidates))
	for _, f := range candidates {
		images = append(images, f)
	}

	return &Batch{
		BatchNumber:     num,
		Images:          images,
		SyncSystemUsec:  earliest,
		remainingStages: int32(len(images)) * stagesPerCamera,
	}, true
}
