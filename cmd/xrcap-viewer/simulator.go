package main

import (
	"encoding/binary"
	"fmt"

	"github.com/orbo-rgbd/xrcap/internal/viewer"
)

// The real depth decoder, mesher, and GPU video decoder are vendor
// collaborators outside this repository's scope (§1 Non-goals), same as the
// capture-side stand-ins in cmd/xrcap-capture. These invert exactly what
// the capture-side simulator produces: simDepthDecoder reads back the
// little-endian uint16 planes simDepthCodec writes, and
// simHardwareVideoDecoder passes the NV12 payload through unchanged since
// simEncoder never actually compressed it.

// simDepthDecoder decodes the little-endian uint16 depth plane written by
// cmd/xrcap-capture's simDepthCodec. Width/height are tracked per instance
// and refreshed whenever a fresh Calibration arrives for this camera.
type simDepthDecoder struct {
	width, height int
}

func (d *simDepthDecoder) Decode(payload []byte) (depth []uint16, width, height int, err error) {
	if len(payload)%2 != 0 {
		return nil, 0, 0, fmt.Errorf("simulator: odd-length depth payload (%d bytes)", len(payload))
	}
	depth = make([]uint16, len(payload)/2)
	for i := range depth {
		depth[i] = binary.LittleEndian.Uint16(payload[2*i:])
	}
	return depth, d.width, d.height, nil
}

// simViewerMesher returns an empty mesh; nothing in this simulated pipeline
// renders geometry.
type simViewerMesher struct{}

func (simViewerMesher) Generate(depth []uint16, width, height int, skipCull bool) viewer.Mesh {
	return viewer.Mesh{}
}

// simHardwareVideoDecoder inverts simEncoder's pass-through encode: the
// "picture" bytes already are NV12.
type simHardwareVideoDecoder struct{}

func (simHardwareVideoDecoder) Reinit(parameterSets []byte, width, height int) error { return nil }

func (simHardwareVideoDecoder) Decode(picture []byte) (nv12 []byte, err error) {
	return picture, nil
}
