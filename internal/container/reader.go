package container

import (
	"bufio"
	"fmt"
	"io"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// readAheadBatches bounds how far the reader gets ahead of the consumer:
// at most this many BatchInfo's worth of queued frames (§4.7 "Pacing").
const readAheadBatches = 30

// CameraTables is the reader's running per-camera state, refreshed as
// Calibration/Extrinsics/VideoInfo chunks are encountered.
type CameraTables struct {
	Calibration map[uint32]proto.Calibration
	Extrinsics  map[uint32]proto.Extrinsics
	VideoInfo   map[uint32]proto.VideoInfo
}

func newCameraTables() CameraTables {
	return CameraTables{
		Calibration: make(map[uint32]proto.Calibration),
		Extrinsics:  make(map[uint32]proto.Extrinsics),
		VideoInfo:   make(map[uint32]proto.VideoInfo),
	}
}

// BatchEvent is delivered for every BatchInfo chunk, with video_boot_usec
// rebased so the first delivered batch in this read session is 0.
type BatchEvent struct {
	Identity       proto.CameraIdentity
	MaxCameraCount uint32
	VideoBootUsec  int64
	VideoEpochUsec uint64
}

// FrameEvent is delivered for every Frame chunk, with its inline payload
// already read.
type FrameEvent struct {
	Identity      proto.CameraIdentity
	IsFinalFrame  bool
	FrameNumber   uint32
	BackReference int32
	ImageBytes    []byte
	DepthBytes    []byte
	Accel         [3]float32
	ExposureUsec  uint32
	AWBUsec       uint32
	ISO           uint32
	Brightness    float32
	Saturation    float32
}

// Reader streams a container file, updating CameraTables and emitting
// batch/frame events. It reads sequentially from the start of the file (and,
// in loop mode, restarts from the start) -- it is not a random-access
// decoder and offers no way to resume mid-file. It does not inspect
// back_reference values.
type Reader struct {
	r      *bufio.Reader
	src    io.ReadSeeker
	tables CameraTables

	loop              bool
	rebaseVideoUsec   int64
	haveRebase        bool
	pendingBatches    int
}

// NewReader wraps src. If loop is true, EOF rewinds to the start instead of
// stopping.
func NewReader(src io.ReadSeeker, loop bool) *Reader {
	return &Reader{
		r:      bufio.NewReader(src),
		src:    src,
		tables: newCameraTables(),
		loop:   loop,
	}
}

// Tables returns the reader's current camera state tables.
func (r *Reader) Tables() CameraTables { return r.tables }

// PendingBatches reports how many BatchInfo events have been delivered
// without yet seeing that batch's final Frame. A caller driving playback
// should stop calling Next once this reaches readAheadBatches, to honor the
// writer's pacing contract, and resume once it has drained enough of its
// own queue.
func (r *Reader) PendingBatches() int { return r.pendingBatches }

// Event is the union type yielded by Next.
type Event struct {
	Batch *BatchEvent
	Frame *FrameEvent
}

// Next reads and returns the next batch/frame event, applying table updates
// transparently (Calibration/Extrinsics/VideoInfo chunks update Tables and
// are not themselves surfaced as events). Returns io.EOF when the file ends
// and loop is false.
func (r *Reader) Next() (Event, error) {
	for {
		hdr, err := readChunkHeader(r.r)
		if err != nil {
			if err == io.EOF {
				if r.loop {
					if _, seekErr := r.src.Seek(0, io.SeekStart); seekErr != nil {
						return Event{}, fmt.Errorf("container: rewind for loop: %w", seekErr)
					}
					r.r.Reset(r.src)
					r.haveRebase = false
					r.pendingBatches = 0
					continue
				}
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("container: read chunk header: %w", err)
		}

		body := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return Event{}, fmt.Errorf("container: read chunk body: %w", err)
		}

		switch hdr.Type {
		case ChunkCalibration:
			id, cal, err := decodeCalibrationChunk(body)
			if err != nil {
				return Event{}, err
			}
			r.tables.Calibration[id.CameraIndex] = cal
		case ChunkExtrinsics:
			id, ext, err := decodeExtrinsicsChunk(body)
			if err != nil {
				return Event{}, err
			}
			r.tables.Extrinsics[id.CameraIndex] = ext
		case ChunkVideoInfo:
			id, vi, err := decodeVideoInfoChunk(body)
			if err != nil {
				return Event{}, err
			}
			r.tables.VideoInfo[id.CameraIndex] = vi
		case ChunkBatchInfo:
			rec, err := decodeBatchInfo(body)
			if err != nil {
				return Event{}, err
			}
			if !r.haveRebase {
				r.rebaseVideoUsec = int64(rec.VideoBootUsec)
				r.haveRebase = true
			}
			r.pendingBatches++
			return Event{Batch: &BatchEvent{
				Identity:       rec.Identity,
				MaxCameraCount: rec.MaxCameraCount,
				VideoBootUsec:  int64(rec.VideoBootUsec) - r.rebaseVideoUsec,
				VideoEpochUsec: rec.VideoEpochUsec,
			}}, nil
		case ChunkFrame:
			rec, err := decodeFrameRecord(body)
			if err != nil {
				return Event{}, err
			}
			image := make([]byte, rec.ImageLen)
			if _, err := io.ReadFull(r.r, image); err != nil {
				return Event{}, fmt.Errorf("container: read image bytes: %w", err)
			}
			depth := make([]byte, rec.DepthLen)
			if _, err := io.ReadFull(r.r, depth); err != nil {
				return Event{}, fmt.Errorf("container: read depth bytes: %w", err)
			}
			if rec.IsFinalFrame && r.pendingBatches > 0 {
				r.pendingBatches--
			}
			return Event{Frame: &FrameEvent{
				Identity:      rec.Identity,
				IsFinalFrame:  rec.IsFinalFrame,
				FrameNumber:   rec.FrameNumber,
				BackReference: rec.BackReference,
				ImageBytes:    image,
				DepthBytes:    depth,
				Accel:         rec.Accel,
				ExposureUsec:  rec.ExposureUsec,
				AWBUsec:       rec.AWBUsec,
				ISO:           rec.ISO,
				Brightness:    rec.Brightness,
				Saturation:    rec.Saturation,
			}}, nil
		default:
			return Event{}, fmt.Errorf("container: unknown chunk type %d", hdr.Type)
		}
	}
}
