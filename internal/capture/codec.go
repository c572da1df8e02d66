package capture

import "github.com/orbo-rgbd/xrcap/internal/proto"

// The mesher, depth codec, and hardware video codec are vendor-supplied
// collaborators (camera SDK, GPU driver) outside this module's scope. The
// pipeline depends only on these interfaces so it can be exercised with
// fakes in tests.

// Mesh is the coordinate/triangle-index output of mesh generation.
type Mesh struct {
	Vertices []float32 // xyz triples, world coordinates after extrinsic transform
	Indices  []uint32  // triangle index list
}

// Mesher turns a depth image into vertex/triangle data, culling anything
// outside the active clip region.
type Mesher interface {
	Generate(depth []uint16, width, height int, clip ClipRegion, extrinsics Extrinsics) Mesh
}

// DepthCodec compresses a depth plane. Lossless is always
// available; H264/H265 lossy modes are only meaningful for video_type
// settings other than proto.VideoLossless.
type DepthCodec interface {
	Compress(depth []uint16, width, height int, videoType interface{ IsLossless() bool }) ([]byte, error)
}

// ProcAmp is the set of video-encoder parameters that can change without a
// full encoder re-initialization.
type ProcAmp struct {
	DenoisePercent uint8
	Brightness     float32
	Saturation     float32
}

// EncoderParams is everything a full VideoEncoder re-initialization depends
// on. Two EncoderParams with equal fields other than ProcAmp are compatible
// without reinitializing (§4.3 Stage B).
type EncoderParams struct {
	VideoType          VideoType
	Bitrate            uint32
	Quality            uint8
	Framerate          int
	Width, Height      int
	IntraRefreshPeriod int  // frames between forced intra refresh cycles
	IntraRefreshQPDelta int // always -5 per spec
	ProcAmp            ProcAmp
}

// sameEncoderShape reports whether two parameter sets require the same
// underlying hardware encoder instance (ProcAmp excluded).
func sameEncoderShape(a, b EncoderParams) bool {
	return a.VideoType == b.VideoType &&
		a.Bitrate == b.Bitrate &&
		a.Quality == b.Quality &&
		a.Framerate == b.Framerate &&
		a.Width == b.Width &&
		a.Height == b.Height
}

// VideoType mirrors proto.VideoType for capture-side code.
type VideoType = proto.VideoType

// HardwareVideoEncoder wraps a GPU/ASIC encoder. Encode with forceKeyframe
// set forces an IDR/sync picture; otherwise the encoder decides whether the
// output is a keyframe.
type HardwareVideoEncoder interface {
	Reconfigure(EncoderParams) error
	Encode(nv12 []byte, width, height int, forceKeyframe bool) (picture []byte, isKeyframe bool, err error)
	ParameterSets() []byte // SPS/PPS/VPS, valid after at least one keyframe
}

// JPEGDecoder decodes MJPEG color input to NV12 ahead of video encoding.
type JPEGDecoder interface {
	DecodeToNV12(jpeg []byte) (nv12 []byte, width, height int, err error)
}
