// Package capture implements the capture-server side of the pipeline:
// per-camera frame ingestion, cross-camera matching, mesh/video compression,
// and the runtime configuration all of that reads from.
package capture

import (
	"math/rand"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// Identity re-exports the wire CameraIdentity type for capture-side code.
type Identity = proto.CameraIdentity

// NewServerGUID picks a random 64-bit value for one capture-server process
// start. It is stable for the lifetime of the process.
func NewServerGUID() uint64 {
	return rand.Uint64()
}

// Calibration is the capture-side calibration record, one per camera.
type Calibration = proto.Calibration

// Extrinsics is the capture-side extrinsics record, one per camera.
type Extrinsics = proto.Extrinsics

// AccelSample is a single IMU reading captured at the shutter moment.
type AccelSample struct {
	X, Y, Z float32
}
