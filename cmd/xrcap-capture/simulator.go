package main

import (
	"fmt"
	"time"

	"github.com/orbo-rgbd/xrcap/internal/capture"
)

// The real camera SDK, GPU mesh/video codecs, and MJPEG decoder are vendor
// collaborators outside this repository's scope (§1 Non-goals). The types
// below are a synthetic stand-in so a capture server can be started and
// exercised end to end without the hardware: fixed-size color/depth planes
// generated on a timer, "compressed" by passing bytes through unchanged.
// Swapping in a real driver means implementing capture.CameraDriver and the
// codec.go collaborator interfaces against the vendor SDK; nothing else in
// this package depends on the simulation.

const (
	simWidth     = 640
	simHeight    = 480
	simFramerate = 30
)

// simCameraDriver produces synthetic RawFrames at simFramerate on a ticker.
type simCameraDriver struct {
	index     int
	ticker    *time.Ticker
	frameNum  uint32
	startUsec int64
}

func newSimCameraDriver(index int) *simCameraDriver {
	return &simCameraDriver{
		index:     index,
		ticker:    time.NewTicker(time.Second / simFramerate),
		startUsec: time.Now().UnixMicro(),
	}
}

func (d *simCameraDriver) DeviceIndex() int { return d.index }

func (d *simCameraDriver) Read() (*capture.RawFrame, error) {
	<-d.ticker.C
	d.frameNum++

	now := time.Now().UnixMicro()
	color := make([]byte, simWidth*simHeight*3/2) // NV12-sized payload
	depth := make([]uint16, simWidth*simHeight)
	for i := range depth {
		depth[i] = uint16(1000 + i%500)
	}

	return &capture.RawFrame{
		DeviceIndex:       d.index,
		FrameNumber:       d.frameNum,
		Framerate:         simFramerate,
		ColorBytes:        color,
		ColorWidth:        simWidth,
		ColorHeight:       simHeight,
		DepthU16:          depth,
		DepthWidth:        simWidth,
		DepthHeight:       simHeight,
		DepthDeviceUsec:   now,
		DepthSystemUsec:   now,
		ColorDeviceUsec:   now,
		ColorSystemUsec:   now,
		ColorExposureUsec: 8000,
		ColorAWBUsec:      5500,
		ColorISO:          100,
		Accel:             capture.AccelSample{X: 0, Y: -9.8, Z: 0},
	}, nil
}

func (d *simCameraDriver) Close() error {
	d.ticker.Stop()
	return nil
}

// simMesher returns an empty mesh; it exists to satisfy the pipeline, not to
// produce renderable geometry.
type simMesher struct{}

func (simMesher) Generate(depth []uint16, width, height int, clip capture.ClipRegion, extrinsics capture.Extrinsics) capture.Mesh {
	return capture.Mesh{}
}

// simDepthCodec "compresses" by copying the plane through a little-endian
// byte encoding, skipping any real entropy coding.
type simDepthCodec struct{}

func (simDepthCodec) Compress(depth []uint16, width, height int, videoType interface{ IsLossless() bool }) ([]byte, error) {
	out := make([]byte, len(depth)*2)
	for i, v := range depth {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out, nil
}

// simJPEGDecoder never actually receives MJPEG input from the simulator
// (ColorIsMJPEG is always false), so this only needs to satisfy the
// interface.
type simJPEGDecoder struct{}

func (simJPEGDecoder) DecodeToNV12(jpeg []byte) (nv12 []byte, width, height int, err error) {
	return nil, 0, 0, fmt.Errorf("simulator: unexpected mjpeg input")
}

// simEncoder is a pass-through "encoder": every call is treated as a
// keyframe so downstream back-reference bookkeeping never has anything to
// resolve against a prior frame that was never really encoded.
type simEncoder struct{}

func (simEncoder) Reconfigure(capture.EncoderParams) error { return nil }

func (simEncoder) Encode(nv12 []byte, width, height int, forceKeyframe bool) (picture []byte, isKeyframe bool, err error) {
	return nv12, true, nil
}

func (simEncoder) ParameterSets() []byte { return nil }
