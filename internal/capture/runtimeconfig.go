package capture

import (
	"sync"
	"sync/atomic"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// ClipRegion culls mesh points outside a cylinder in world coordinates.
type ClipRegion struct {
	Enabled bool
	RadiusM float32
	FloorM  float32
	CeilingM float32
}

// Lighting holds per-camera brightness/saturation.
type Lighting struct {
	Brightness float32
	Saturation float32
}

// Exposure holds the shared exposure/AWB configuration.
type Exposure struct {
	AutoEnabled  bool
	ExposureUsec uint32
	AWBUsec      uint32
}

// RuntimeConfig is the single process-wide shared mutable store (§3, §4.8,
// §9 "Global mutable state"). One mutex guards the clip, exposure,
// lighting, extrinsics and compression fields; the mode and flag scalars are
// atomics. Four epoch counters allow lock-free reads for consumers that only
// need to know whether something changed since they last looked.
type RuntimeConfig struct {
	Mode         atomic.Int32 // proto.Mode
	ImagesNeeded atomic.Bool
	VideoNeeded  atomic.Bool
	NeedsKeyframe atomic.Bool

	CaptureConfigEpoch atomic.Uint32
	ExtrinsicsEpoch    atomic.Uint32
	ClipEpoch          atomic.Uint32
	ExposureEpoch      atomic.Uint32

	mu          sync.Mutex
	clip        ClipRegion
	exposure    Exposure
	lighting    map[int]Lighting
	extrinsics  map[int]Extrinsics
	compression proto.CompressionSettings
}

// NewRuntimeConfig returns a config in the disabled mode with defaults.
func NewRuntimeConfig() *RuntimeConfig {
	rc := &RuntimeConfig{
		lighting:   make(map[int]Lighting),
		extrinsics: make(map[int]Extrinsics),
	}
	rc.ImagesNeeded.Store(true)
	rc.VideoNeeded.Store(true)
	return rc
}

// SetMode atomically updates the capture mode and bumps the config epoch.
func (rc *RuntimeConfig) SetMode(mode proto.Mode) {
	rc.Mode.Store(int32(mode))
	rc.CaptureConfigEpoch.Add(1)
}

// GetMode returns the current capture mode.
func (rc *RuntimeConfig) GetMode() proto.Mode {
	return proto.Mode(rc.Mode.Load())
}

// SetClip updates the clip region and bumps ClipEpoch.
func (rc *RuntimeConfig) SetClip(c ClipRegion) {
	rc.mu.Lock()
	rc.clip = c
	rc.mu.Unlock()
	rc.ClipEpoch.Add(1)
}

// GetClip returns the current clip region.
func (rc *RuntimeConfig) GetClip() ClipRegion {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.clip
}

// SetExposure updates the exposure configuration and bumps ExposureEpoch.
func (rc *RuntimeConfig) SetExposure(e Exposure) {
	rc.mu.Lock()
	rc.exposure = e
	rc.mu.Unlock()
	rc.ExposureEpoch.Add(1)
}

// GetExposure returns the current exposure configuration.
func (rc *RuntimeConfig) GetExposure() Exposure {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.exposure
}

// SetLighting updates one camera's lighting and bumps the config epoch.
func (rc *RuntimeConfig) SetLighting(cameraIndex int, l Lighting) {
	rc.mu.Lock()
	rc.lighting[cameraIndex] = l
	rc.mu.Unlock()
	rc.CaptureConfigEpoch.Add(1)
}

// GetLighting returns camera i's lighting, or the zero value if unset.
func (rc *RuntimeConfig) GetLighting(cameraIndex int) Lighting {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lighting[cameraIndex]
}

// SetExtrinsics updates one camera's extrinsics and bumps ExtrinsicsEpoch.
func (rc *RuntimeConfig) SetExtrinsics(cameraIndex int, e Extrinsics) {
	rc.mu.Lock()
	rc.extrinsics[cameraIndex] = e
	rc.mu.Unlock()
	rc.ExtrinsicsEpoch.Add(1)
}

// GetExtrinsics returns camera i's extrinsics, defaulting to identity.
func (rc *RuntimeConfig) GetExtrinsics(cameraIndex int) Extrinsics {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.extrinsics[cameraIndex]
	if !ok {
		return Extrinsics{IsIdentity: true}
	}
	return e
}

// AllExtrinsics returns a snapshot of every camera's extrinsics, keyed by
// camera index, for a full resync push.
func (rc *RuntimeConfig) AllExtrinsics(cameraCount int) map[int]Extrinsics {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[int]Extrinsics, cameraCount)
	for i := 0; i < cameraCount; i++ {
		if e, ok := rc.extrinsics[i]; ok {
			out[i] = e
		} else {
			out[i] = Extrinsics{IsIdentity: true}
		}
	}
	return out
}

// SetCompression updates the shared compression settings and bumps the
// config epoch.
func (rc *RuntimeConfig) SetCompression(c proto.CompressionSettings) {
	rc.mu.Lock()
	rc.compression = c
	rc.mu.Unlock()
	rc.CaptureConfigEpoch.Add(1)
}

// GetCompression returns the current compression settings.
func (rc *RuntimeConfig) GetCompression() proto.CompressionSettings {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.compression
}

// RequestKeyframe sets NeedsKeyframe; the pipeline clears it once honored.
func (rc *RuntimeConfig) RequestKeyframe() {
	rc.NeedsKeyframe.Store(true)
}

// ConsumeKeyframeRequest atomically reads and clears NeedsKeyframe.
func (rc *RuntimeConfig) ConsumeKeyframeRequest() bool {
	return rc.NeedsKeyframe.Swap(false)
}
