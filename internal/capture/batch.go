package capture

import (
	"sync"
	"sync/atomic"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// stagesPerCamera is the number of pipeline stages (MeshCompressor,
// VideoEncoder) each image in a batch must pass through before the batch's
// remaining-stages counter can reach zero.
const stagesPerCamera = 2

// CompressedFrame is produced by the pipeline and carried on the wire.
type CompressedFrame struct {
	CameraIndex   uint32
	FrameNumber   uint32
	BackReference int32 // 0 = standalone keyframe, -1 = references prior frame
	IsFinalFrame  bool
	ImageBytes    []byte
	DepthBytes    []byte
	Accel         [3]float32
	ExposureUsec  uint32
	AWBUsec       uint32
	ISO           uint32
	Brightness    float32
	Saturation    float32
}

// VideoInfo is the capture-side mirror of proto.VideoInfo.
type VideoInfo = proto.VideoInfo

// Batch is an ordered set of at most one RawFrame per camera sharing one
// shutter instant. It is shared across the per-camera pipeline workers; a
// per-batch atomic "remaining stages" counter triggers the completion
// callback exactly once, when it reaches zero.
type Batch struct {
	BatchNumber    uint32
	Images         []*RawFrame
	StartMsec      int64
	EndMsec        int64
	SyncSystemUsec int64
	SyncEpochUsec  int64
	VideoEpochUsec int64
	Discontinuity  bool
	Keyframe       bool

	VideoInfoEpoch uint32
	VideoInfo      VideoInfo

	PipelineError bool
	SlowDrop      bool
	Aborted       atomic.Bool

	// Compressed carries the per-camera compression output; slot i is
	// written only by the worker handling Images[i] -- no stage mutates
	// another stage's image slot.
	Compressed []*CompressedFrame
	compressedMu sync.Mutex

	remainingStages int32
	onComplete      func(*Batch)
	completeOnce    sync.Once
}

// SetCompressed records camera i's compressed output. Safe for concurrent
// callers, one per camera.
func (b *Batch) SetCompressed(i int, cf *CompressedFrame) {
	b.compressedMu.Lock()
	defer b.compressedMu.Unlock()
	if b.Compressed == nil {
		b.Compressed = make([]*CompressedFrame, len(b.Images))
	}
	b.Compressed[i] = cf
}

// Abort marks the batch aborted; every parallel per-camera pipeline
// observing this flag short-circuits its remaining work without producing
// output. Abort only sets these flags: it does not request a keyframe, so
// the next encode for each camera is a keyframe only if the usual keyframe
// triggers (interval, explicit request, discontinuity) apply.
func (b *Batch) Abort(pipelineError, slowDrop bool) {
	b.Aborted.Store(true)
	if pipelineError {
		b.PipelineError = true
	}
	if slowDrop {
		b.SlowDrop = true
	}
}

// IsAborted reports whether any stage has aborted this batch.
func (b *Batch) IsAborted() bool {
	return b.Aborted.Load()
}

// OnComplete registers the callback invoked exactly once, when the
// remaining-stages counter reaches zero, and only for non-aborted batches.
func (b *Batch) OnComplete(fn func(*Batch)) {
	b.onComplete = fn
}

// StageDone decrements the remaining-stages counter for one finished stage;
// when it reaches zero the completion callback fires exactly once.
func (b *Batch) StageDone() {
	if atomic.AddInt32(&b.remainingStages, -1) == 0 {
		b.completeOnce.Do(func() {
			if b.onComplete != nil && !b.IsAborted() {
				b.onComplete(b)
			}
		})
	}
}
