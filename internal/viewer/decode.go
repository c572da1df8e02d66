// Package viewer implements the client-side decode and dejitter pipeline:
// per-camera mesh/video decoding, the merged-history playback engine, and
// the programmatic client surface used to drive it.
package viewer

import (
	"fmt"
	"log"
)

// backRefRingSize is the number of recently-accepted frame numbers the
// decoder keeps, for verifying incoming back-references (§4.5).
const backRefRingSize = 4

// decodeQueueDepth is the per-stage queue bound for the decode stages.
// CameraDecoder holds no queue: DecodeMesh and DecodeVideo run
// synchronously in the caller, and nothing reads this constant.
const decodeQueueDepth = 60

// Mesh mirrors the capture-side mesh output the renderer consumes.
type Mesh struct {
	Vertices []float32
	Indices  []uint32
}

// DepthDecoder turns compressed depth bytes back into a depth plane. The
// codec is selected from a magic byte prepended to the payload.
type DepthDecoder interface {
	Decode(payload []byte) (depth []uint16, width, height int, err error)
}

// Mesher regenerates vertex/triangle data from a decoded depth plane.
type Mesher interface {
	Generate(depth []uint16, width, height int, skipCull bool) Mesh
}

// HardwareVideoDecoder wraps a GPU/ASIC video decoder instance, one per
// camera. Reinit is called whenever intrinsics/resolution change.
type HardwareVideoDecoder interface {
	Reinit(parameterSets []byte, width, height int) error
	Decode(picture []byte) (nv12 []byte, err error)
}

// DecodedFrame is one camera's fully decoded output for a shutter instant.
type DecodedFrame struct {
	CameraIndex int
	FrameNumber uint32
	NV12        []byte
	Width       int
	Height      int
	Mesh        Mesh
}

// CameraDecoder runs the two decode stages for one camera (§4.5).
type CameraDecoder struct {
	cameraIndex int
	log         *log.Logger

	depthDecoder DepthDecoder
	mesher       Mesher
	hwDecoder    HardwareVideoDecoder

	lastWidth, lastHeight int
	decoderReady          bool

	ring      [backRefRingSize]uint32
	ringNext  int
	ringCount int

	calibrating bool
}

// NewCameraDecoder constructs a decoder for one camera.
func NewCameraDecoder(cameraIndex int, depthDecoder DepthDecoder, mesher Mesher, hwDecoder HardwareVideoDecoder, logger *log.Logger) *CameraDecoder {
	return &CameraDecoder{
		cameraIndex:  cameraIndex,
		log:          logger,
		depthDecoder: depthDecoder,
		mesher:       mesher,
		hwDecoder:    hwDecoder,
	}
}

// SetCalibrating toggles whether the mesh stage skips culling (registration
// needs the full depth field).
func (d *CameraDecoder) SetCalibrating(calibrating bool) {
	d.calibrating = calibrating
}

// IncomingPicture is one video picture as delivered on the wire, with the
// header fields needed to verify back-references.
type IncomingPicture struct {
	FrameNumber   uint32
	BackReference int32
	Picture       []byte // parameter sets prepended when this is a keyframe
	DepthPayload  []byte
	Width, Height int
}

// DecodeMesh runs Stage A: depth decode, then mesh regeneration (culling
// skipped while calibrating). The mesher is not rebuilt when calibration or
// resolution changes; the decoded width and height go to Generate on every
// call.
func (d *CameraDecoder) DecodeMesh(pic IncomingPicture) (Mesh, error) {
	depth, w, h, err := d.depthDecoder.Decode(pic.DepthPayload)
	if err != nil {
		return Mesh{}, fmt.Errorf("viewer: camera %d depth decode: %w", d.cameraIndex, err)
	}
	return d.mesher.Generate(depth, w, h, d.calibrating), nil
}

// DecodeVideo runs Stage B: back-reference verification, decoder
// (re)initialization on resync points, and hardware decode.
func (d *CameraDecoder) DecodeVideo(pic IncomingPicture) ([]byte, error) {
	if pic.BackReference == 0 {
		if !d.decoderReady || pic.Width != d.lastWidth || pic.Height != d.lastHeight {
			if err := d.hwDecoder.Reinit(pic.Picture, pic.Width, pic.Height); err != nil {
				return nil, fmt.Errorf("viewer: camera %d decoder reinit: %w", d.cameraIndex, err)
			}
			d.decoderReady = true
			d.lastWidth, d.lastHeight = pic.Width, pic.Height
		}
		d.recordAccepted(pic.FrameNumber)
	} else {
		want := uint32(int64(pic.FrameNumber) + int64(pic.BackReference))
		if !d.seen(want) {
			d.log.Printf("camera %d: corrupted video: unsatisfied back-reference (frame %d -> %d)", d.cameraIndex, pic.FrameNumber, want)
			// Best-effort: proceed anyway, the decoder may or may not recover.
		}
		d.recordAccepted(pic.FrameNumber)
	}

	if !d.decoderReady {
		return nil, fmt.Errorf("viewer: camera %d: no decoder instance and frame is not a resync point", d.cameraIndex)
	}

	nv12, err := d.hwDecoder.Decode(pic.Picture)
	if err != nil {
		return nil, fmt.Errorf("viewer: camera %d video decode: %w", d.cameraIndex, err)
	}
	return nv12, nil
}

func (d *CameraDecoder) recordAccepted(frameNumber uint32) {
	d.ring[d.ringNext] = frameNumber
	d.ringNext = (d.ringNext + 1) % backRefRingSize
	if d.ringCount < backRefRingSize {
		d.ringCount++
	}
}

func (d *CameraDecoder) seen(frameNumber uint32) bool {
	for i := 0; i < d.ringCount; i++ {
		if d.ring[i] == frameNumber {
			return true
		}
	}
	return false
}
