package container

import (
	"bufio"
	"fmt"
	"io"
	"reflect"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// cameraState is what the writer compares against to decide whether a
// per-camera calibration/extrinsics/video-info record needs re-emitting.
type cameraState struct {
	calibration proto.Calibration
	extrinsics  proto.Extrinsics
	videoInfo   proto.VideoInfo
}

// Writer appends batches to an open file handle. The writer owns no file
// lifecycle decisions beyond flushing on Close; the caller opens/creates the
// destination.
type Writer struct {
	w             *bufio.Writer
	closer        io.Closer
	batchesSince  int
	firstVideoUsec int64
	haveFirst     bool
	states        map[uint32]cameraState // keyed by camera index
}

// NewWriter wraps dst (expected to also implement io.Closer if the caller
// wants Close to flush the underlying file).
func NewWriter(dst io.Writer) *Writer {
	closer, _ := dst.(io.Closer)
	return &Writer{
		w:      bufio.NewWriter(dst),
		closer: closer,
		states: make(map[uint32]cameraState),
	}
}

// CameraSnapshot is what the capture server hands the writer once per batch
// per camera.
type CameraSnapshot struct {
	CameraIndex uint32
	Identity    proto.CameraIdentity
	Calibration proto.Calibration
	Extrinsics  proto.Extrinsics
	VideoInfo   proto.VideoInfo
}

// BatchImage is one compressed camera frame within a batch.
type BatchImage struct {
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

// WriteBatch appends one batch: a BatchInfo chunk, optionally refreshed
// per-camera state chunks, then one Frame chunk (plus inline image/depth
// bytes) per image.
func (w *Writer) WriteBatch(identity proto.CameraIdentity, maxCameraCount uint32, videoBootUsec, videoEpochUsec uint64, cameras []CameraSnapshot, images []BatchImage) error {
	if !w.haveFirst {
		w.firstVideoUsec = int64(videoBootUsec)
		w.haveFirst = true
	}
	relative := uint64(int64(videoBootUsec) - w.firstVideoUsec)

	if err := writeChunk(w.w, ChunkBatchInfo, BatchInfoRecord{
		Identity:       identity,
		MaxCameraCount: maxCameraCount,
		VideoBootUsec:  relative,
		VideoEpochUsec: videoEpochUsec,
	}.encode()); err != nil {
		return fmt.Errorf("container: write batch_info: %w", err)
	}

	refresh := w.batchesSince == 0
	for _, cam := range cameras {
		prev, seen := w.states[cam.CameraIndex]
		changed := !seen ||
			!reflect.DeepEqual(prev.calibration, cam.Calibration) ||
			!reflect.DeepEqual(prev.extrinsics, cam.Extrinsics) ||
			!reflect.DeepEqual(prev.videoInfo, cam.VideoInfo)
		if refresh || changed {
			if err := w.writeCameraState(cam); err != nil {
				return err
			}
			w.states[cam.CameraIndex] = cameraState{cam.Calibration, cam.Extrinsics, cam.VideoInfo}
		}
	}
	w.batchesSince = (w.batchesSince + 1) % reemitInterval

	for _, img := range images {
		rec := FrameRecord{
			Identity:      img.Identity,
			IsFinalFrame:  img.IsFinalFrame,
			FrameNumber:   img.FrameNumber,
			BackReference: img.BackReference,
			ImageLen:      uint32(len(img.ImageBytes)),
			DepthLen:      uint32(len(img.DepthBytes)),
			Accel:         img.Accel,
			ExposureUsec:  img.ExposureUsec,
			AWBUsec:       img.AWBUsec,
			ISO:           img.ISO,
			Brightness:    img.Brightness,
			Saturation:    img.Saturation,
		}
		if err := writeChunk(w.w, ChunkFrame, rec.encode()); err != nil {
			return fmt.Errorf("container: write frame: %w", err)
		}
		if _, err := w.w.Write(img.ImageBytes); err != nil {
			return fmt.Errorf("container: write image bytes: %w", err)
		}
		if _, err := w.w.Write(img.DepthBytes); err != nil {
			return fmt.Errorf("container: write depth bytes: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeCameraState(cam CameraSnapshot) error {
	if err := writeChunk(w.w, ChunkCalibration, encodeCalibrationChunk(cam.Identity, cam.Calibration)); err != nil {
		return fmt.Errorf("container: write calibration: %w", err)
	}
	if err := writeChunk(w.w, ChunkExtrinsics, encodeExtrinsicsChunk(cam.Identity, cam.Extrinsics)); err != nil {
		return fmt.Errorf("container: write extrinsics: %w", err)
	}
	if err := writeChunk(w.w, ChunkVideoInfo, encodeVideoInfoChunk(cam.Identity, cam.VideoInfo)); err != nil {
		return fmt.Errorf("container: write video_info: %w", err)
	}
	return nil
}

// Close flushes buffered output and closes the underlying file if it
// implements io.Closer.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("container: flush on close: %w", err)
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
