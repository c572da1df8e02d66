package viewer

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// ErrUnsupported is returned by operations this client does not implement.
// playback_append and playback_seek are left unresolved by the design this
// client follows (random access conflicts with the non-seekable container
// format, §4.7); callers should treat them as permanently unsupported
// rather than poll for future availability.
var ErrUnsupported = errors.New("viewer: operation not supported")

// PlaybackState is returned by GetPlaybackState.
type PlaybackState struct {
	Playing       bool
	Loop          bool
	PlaybackSpeed float64
}

// RecordingState is returned by GetRecordingState.
type RecordingState struct {
	Recording bool
	Paused    bool
	FilePath  string
}

// ConnectedServer tracks one capture-server connection's last-seen state.
type ConnectedServer struct {
	GUID          uint64
	Name          string
	Mode          proto.Mode
	CaptureStatus proto.CaptureStatus
}

// Client is the programmatic surface a UI or automation script drives
// (§6.3): connect/disconnect, runtime setters, playback and recording
// control, and state queries.
type Client struct {
	log *log.Logger

	mu      sync.Mutex
	servers map[uint64]*ConnectedServer

	dejitter *Dejitter

	recording      bool
	recordingPaused bool
	recordingPath  string

	playing       bool
	loop          bool
	playbackSpeed float64
}

// NewClient constructs a client with its own dejitter engine.
func NewClient(logger *log.Logger) *Client {
	c := &Client{
		log:           logger,
		servers:       make(map[uint64]*ConnectedServer),
		dejitter:      NewDejitter(logger),
		playbackSpeed: 1.0,
	}
	go c.dejitter.Run()
	return c
}

// Connect registers a newly-authenticated server connection by name.
// Actual transport/handshake wiring is owned by the caller; this just tracks
// client-visible state once a connection succeeds.
func (c *Client) Connect(guid uint64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[guid] = &ConnectedServer{GUID: guid, Name: name}
}

// Disconnect drops a server from the tracked set.
func (c *Client) Disconnect(guid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, guid)
}

// Get returns the last-known state for a connected server.
func (c *Client) Get(guid uint64) (ConnectedServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[guid]
	if !ok {
		return ConnectedServer{}, false
	}
	return *s, true
}

// UpdateStatus records a status push from a connected server.
func (c *Client) UpdateStatus(guid uint64, mode proto.Mode, status proto.CaptureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[guid]; ok {
		s.Mode = mode
		s.CaptureStatus = status
	}
}

// SetCompression, SetExposure, SetClip, SetLighting, and SetExtrinsics are
// thin request builders; the caller is responsible for sending the returned
// message over the control stream of the named server's connection.

// SetCompression builds a set_compression request.
func (c *Client) SetCompression(settings proto.CompressionSettings) proto.MessageSetCompression {
	return proto.MessageSetCompression{Settings: settings}
}

// SetExposure builds a set_exposure request.
func (c *Client) SetExposure(autoEnabled bool, exposureUsec, awbUsec uint32) proto.MessageSetExposure {
	return proto.MessageSetExposure{AutoEnabled: autoEnabled, ExposureUsec: exposureUsec, AWBUsec: awbUsec}
}

// SetClip builds a set_clip request.
func (c *Client) SetClip(enabled bool, radiusM, floorM, ceilingM float32) proto.MessageSetClip {
	return proto.MessageSetClip{Enabled: enabled, RadiusM: radiusM, FloorM: floorM, CeilingM: ceilingM}
}

// SetLighting builds a set_lighting request for one camera.
func (c *Client) SetLighting(cameraIndex int32, brightness, saturation float32) proto.MessageSetLighting {
	return proto.MessageSetLighting{CameraIndex: cameraIndex, Brightness: brightness, Saturation: saturation}
}

// PlaybackSettings updates the dejitter engine's target queue depth, the
// one playback knob this design exposes (playback_append / playback_seek
// are unsupported, see ErrUnsupported).
func (c *Client) PlaybackSettings(targetQueueDepthUsec int64, loop bool) {
	c.mu.Lock()
	c.loop = loop
	c.mu.Unlock()
	c.dejitter.SetTargetQueueDepth(targetQueueDepthUsec)
}

// PlaybackAppend is not supported: the container format is a flat,
// non-seekable chunk stream, and the dejitter merge model assumes a single
// monotonic video_boot_usec timeline per server rather than spliced clips.
func (c *Client) PlaybackAppend(path string) error {
	return fmt.Errorf("playback_append: %w", ErrUnsupported)
}

// PlaybackSeek is not supported for the same reason: a container must start
// playback at a Frame with back_reference==0 and this design does not
// attempt to scan forward for the nearest keyframe.
func (c *Client) PlaybackSeek(usec int64) error {
	return fmt.Errorf("playback_seek: %w", ErrUnsupported)
}

// GetPlaybackState reports the current playback knobs.
func (c *Client) GetPlaybackState() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PlaybackState{Playing: c.playing, Loop: c.loop, PlaybackSpeed: c.playbackSpeed}
}

// Record starts recording to path. Calling Record while already recording
// is a no-op.
func (c *Client) Record(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return
	}
	c.recording = true
	c.recordingPaused = false
	c.recordingPath = path
}

// RecordPause toggles pause without ending the recording: while paused no
// batches are written and the file stays open. It only records the flag; no
// keyframe request is sent on unpause, and the container writer does not
// force one either.
func (c *Client) RecordPause(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordingPaused = paused
}

// StopRecording ends the current recording.
func (c *Client) StopRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
	c.recordingPaused = false
}

// GetRecordingState reports the current recording knobs.
func (c *Client) GetRecordingState() RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RecordingState{Recording: c.recording, Paused: c.recordingPaused, FilePath: c.recordingPath}
}

// Reset clears all tracked server and playback state without tearing down
// the dejitter goroutine.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = make(map[uint64]*ConnectedServer)
	c.recording = false
	c.recordingPaused = false
	c.playing = false
}

// Shutdown stops the dejitter release loop. The client is not usable after
// this call.
func (c *Client) Shutdown() {
	c.dejitter.Stop()
}

// Dejitter exposes the underlying engine so transport code can feed it
// decoded frames and the renderer can read merged output.
func (c *Client) Dejitter() *Dejitter {
	return c.dejitter
}
