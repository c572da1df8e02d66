package capture

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbo-rgbd/xrcap/internal/proto"
	"github.com/orbo-rgbd/xrcap/internal/timesync"
)

// CameraDriver yields raw frames for one camera. It is the vendor camera-SDK
// collaborator (§1, out of scope): the only contract this module depends on,
// so the server can be exercised against a fake in tests. Read blocks until
// a frame is available or the driver is closed.
type CameraDriver interface {
	DeviceIndex() int
	Read() (*RawFrame, error)
	Close() error
}

// deviceOpenRetries/deviceOpenBackoff bound how hard the server retries a
// camera driver that failed to start (§5 "Cancellation and timeouts").
const (
	deviceOpenRetries  = 10
	deviceOpenBackoff  = 100 * time.Millisecond
)

// OutboundBatch is what a completed Batch becomes once every camera's
// compression stage has finished: the shape handed to each viewer
// connection's send queue and, optionally, to the recording writer.
type OutboundBatch struct {
	BatchNumber    uint32
	VideoBootUsec  uint64
	VideoEpochUsec int64
	Discontinuity  bool
	Images         []*CompressedFrame
	CameraCount    int
}

// ConnectionSink is the subset of transport.ViewerConnection the server
// depends on, so this package stays independent of the transport package's
// concrete AEAD/queueing machinery.
type ConnectionSink interface {
	NeedsResync(captureConfigEpoch, extrinsicsEpoch, videoInfoEpoch uint32) (config, extrinsics, videoInfo bool)
	MarkDelivered(captureConfigEpoch, extrinsicsEpoch, videoInfoEpoch *uint32)
	Enqueue(b interface{})
}

// RecordingSink is the subset of container.Writer the server depends on.
type RecordingSink interface {
	WriteBatch(identity Identity, maxCameraCount uint32, videoBootUsec, videoEpochUsec uint64, cameras []CameraState, images []RecordedImage) error
}

// CameraState is one camera's calibration/extrinsics/video-info snapshot,
// handed to the recording sink once per batch (it decides whether to
// actually re-emit based on its own change detection, §4.7).
type CameraState struct {
	CameraIndex uint32
	Identity    Identity
	Calibration Calibration
	Extrinsics  Extrinsics
	VideoInfo   VideoInfo
}

// RecordedImage mirrors container.BatchImage without importing that package.
type RecordedImage struct {
	Identity      Identity
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

type registeredCamera struct {
	driver   CameraDriver
	pipeline *CameraPipeline
	history  *History
	cleaner  *timesync.VideoTimestampCleaner
}

// Server owns a capture host's cameras end to end: driver ingestion, cross-
// camera matching, per-camera compression, and fan-out of completed batches
// to every authenticated viewer connection (and, if recording, to a
// container writer). It is the CaptureServer named in SPEC_FULL's module
// layout.
type Server struct {
	GUID uint64

	log *log.Logger
	cfg *RuntimeConfig

	matcher *Matcher

	mu      sync.Mutex
	cameras map[int]*registeredCamera

	connMu      sync.Mutex
	connections map[uint64]ConnectionSink

	recMu         sync.Mutex
	recorder      RecordingSink
	recordingPaused bool

	videoInfoEpoch atomic.Uint32
	videoInfo      VideoInfo
	videoInfoMu    sync.Mutex

	calMu        sync.Mutex
	calibrations map[uint32]Calibration

	batchNumber atomic.Uint32

	firstVideoBootUsec int64
	haveFirstVideoBoot bool

	deliveryMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer returns a server with no cameras registered yet. GUID should be
// produced once via NewServerGUID and held for the process lifetime.
func NewServer(guid uint64, cfg *RuntimeConfig, logger *log.Logger) *Server {
	return &Server{
		GUID:        guid,
		log:         logger,
		cfg:         cfg,
		matcher:     NewMatcher(),
		cameras:      make(map[int]*registeredCamera),
		connections:  make(map[uint64]ConnectionSink),
		calibrations: make(map[uint32]Calibration),
		done:         make(chan struct{}),
	}
}

// SetCalibration records camera i's calibration. Unlike RuntimeConfig's
// epoch-tracked fields, calibration is set once per camera at registration
// time (or on recalibration) and is not part of the per-batch epoch model.
func (s *Server) SetCalibration(cameraIndex uint32, cal Calibration) {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	s.calibrations[cameraIndex] = cal
}

// GetCalibration returns camera i's last-set calibration.
func (s *Server) GetCalibration(cameraIndex uint32) Calibration {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	return s.calibrations[cameraIndex]
}

// Config exposes the server's shared RuntimeConfig so a connection's
// sendLoop can read current epochs/content for resync pushes and apply
// incoming set_* control messages, without this package depending on the
// transport/wire layer that owns the socket.
func (s *Server) Config() *RuntimeConfig {
	return s.cfg
}

// RegisterCamera wires one camera's driver and compression pipeline into the
// server. Call before Start. Device open retry (10x, 100ms) happens inside
// the driver collaborator per §5; this method only wires, it does not open.
func (s *Server) RegisterCamera(driver CameraDriver, mesher Mesher, depthCodec DepthCodec, jpegDecoder JPEGDecoder, encoder HardwareVideoEncoder) {
	idx := driver.DeviceIndex()
	pipeline := NewCameraPipeline(idx, s.cfg, mesher, depthCodec, jpegDecoder, encoder, s.log)

	s.mu.Lock()
	s.cameras[idx] = &registeredCamera{
		driver:   driver,
		pipeline: pipeline,
		history:  s.matcher.RegisterCamera(idx),
		cleaner:  timesync.NewVideoTimestampCleaner(),
	}
	s.mu.Unlock()
}

// CameraCount returns the number of registered cameras.
func (s *Server) CameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cameras)
}

// Start launches one ingestion goroutine per registered camera plus each
// camera's two pipeline stages.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, cam := range s.cameras {
		cam.pipeline.Start()
		s.wg.Add(1)
		go s.runCamera(idx, cam)
	}
}

// Stop signals every ingestion loop and pipeline to shut down and waits for
// them to exit. Each ingestion loop notices the signal only after its
// current driver Read returns; the pipelines are then stopped and the
// drivers closed.
func (s *Server) Stop() {
	close(s.done)
	s.wg.Wait()
	s.mu.Lock()
	for _, cam := range s.cameras {
		cam.pipeline.Stop()
		cam.driver.Close()
	}
	s.mu.Unlock()
}

func (s *Server) runCamera(idx int, cam *registeredCamera) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		frame, err := cam.driver.Read()
		if err != nil {
			s.log.Printf("camera %d: read failed: %v", idx, err)
			continue
		}

		estimator := s.matcher.Estimator(idx)
		estimator.Observe(frame.ColorSystemUsec-frame.ColorDeviceUsec, time.Now())
		frame.SyncDeviceUsec = frame.DepthDeviceUsec
		frame.SyncSystemUsec = estimator.SyncSystemUsec(frame.DepthDeviceUsec, frame.ColorExposureUsec)

		cleaned, discontinuity := cam.cleaner.Clean(frame.DepthDeviceUsec, frame.SyncSystemUsec)
		frame.SyncSystemUsec = cleaned

		cam.history.Push(frame)

		batch, ok := s.matcher.TryMatch(frame)
		if !ok {
			continue
		}
		if discontinuity {
			batch.Discontinuity = true
		}
		s.dispatchBatch(batch)
	}
}

// dispatchBatch submits every camera's image in a freshly matched batch to
// its pipeline and registers the completion callback that turns a
// successful batch into an OutboundBatch for delivery.
func (s *Server) dispatchBatch(batch *Batch) {
	if s.cfg.ConsumeKeyframeRequest() {
		batch.Keyframe = true
	}

	batch.OnComplete(s.onBatchComplete)

	for i, img := range batch.Images {
		s.mu.Lock()
		cam, ok := s.cameras[img.DeviceIndex]
		s.mu.Unlock()
		if !ok {
			batch.StageDone()
			batch.StageDone()
			continue
		}
		cam.pipeline.Submit(batch, i, img)
	}
}

// onBatchComplete runs under the batch's completeOnce guard: exactly once,
// only for non-aborted batches (§5 "Ordering guarantees" -- a short lock
// around delivery preserves batch order for downstream consumers even
// though per-camera stages finish out of order).
func (s *Server) onBatchComplete(b *Batch) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	videoBoot := uint64(b.SyncSystemUsec)
	if !s.haveFirstVideoBoot {
		s.firstVideoBootUsec = int64(videoBoot)
		s.haveFirstVideoBoot = true
	}

	ob := &OutboundBatch{
		BatchNumber:    s.batchNumber.Add(1),
		VideoBootUsec:  videoBoot,
		VideoEpochUsec: int64(videoBoot) - s.firstVideoBootUsec,
		Discontinuity:  b.Discontinuity,
		Images:         b.Compressed,
		CameraCount:    len(b.Images),
	}
	s.broadcast(ob)
	s.writeRecording(ob)
}

// UpdateVideoInfo records the encoder's current output shape. A change
// bumps the epoch every connection compares against before its next batch
// send (§4.8).
func (s *Server) UpdateVideoInfo(info VideoInfo) {
	s.videoInfoMu.Lock()
	changed := info != s.videoInfo
	s.videoInfo = info
	s.videoInfoMu.Unlock()
	if changed {
		s.videoInfoEpoch.Add(1)
	}
}

// CurrentVideoInfo returns the last-reported video info and its epoch.
func (s *Server) CurrentVideoInfo() (VideoInfo, uint32) {
	s.videoInfoMu.Lock()
	defer s.videoInfoMu.Unlock()
	return s.videoInfo, s.videoInfoEpoch.Load()
}

// AddConnection registers an authenticated viewer connection for batch
// fan-out.
func (s *Server) AddConnection(guid uint64, conn ConnectionSink) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[guid] = conn
}

// RemoveConnection drops a viewer connection.
func (s *Server) RemoveConnection(guid uint64) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.connections, guid)
}

// broadcast enqueues ob onto every connected viewer and, where a
// connection's recorded epochs are stale, marks the current epochs as
// delivered (§4.4 "Epoch-driven resync"). It enqueues no resync messages
// itself; those are written by the connection's send loop.
func (s *Server) broadcast(ob *OutboundBatch) {
	captureEpoch := s.cfg.CaptureConfigEpoch.Load()
	extrinsicsEpoch := s.cfg.ExtrinsicsEpoch.Load()
	_, videoEpoch := s.CurrentVideoInfo()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, conn := range s.connections {
		needsConfig, needsExtrinsics, needsVideoInfo := conn.NeedsResync(captureEpoch, extrinsicsEpoch, videoEpoch)
		if needsConfig || needsExtrinsics || needsVideoInfo {
			conn.MarkDelivered(
				epochPtr(needsConfig, captureEpoch),
				epochPtr(needsExtrinsics, extrinsicsEpoch),
				epochPtr(needsVideoInfo, videoEpoch),
			)
		}
		conn.Enqueue(ob)
	}
}

func epochPtr(need bool, v uint32) *uint32 {
	if !need {
		return nil
	}
	epoch := v
	return &epoch
}

// SetRecorder attaches a recording sink; nil detaches it. Matches the
// client's record(path)/record(nullptr) semantics (§6.3).
func (s *Server) SetRecorder(rec RecordingSink) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.recorder = rec
	if rec != nil {
		s.recordingPaused = true // "opens writer (paused by default)"
	}
}

// SetRecordingPaused toggles recording pause. Unpausing forces the next
// batch to carry a keyframe so the resumed segment can be played back
// standalone (§6.3 record_pause).
func (s *Server) SetRecordingPaused(paused bool) {
	s.recMu.Lock()
	wasPaused := s.recordingPaused
	s.recordingPaused = paused
	s.recMu.Unlock()
	if wasPaused && !paused {
		s.cfg.RequestKeyframe()
	}
}

func (s *Server) writeRecording(ob *OutboundBatch) {
	s.recMu.Lock()
	rec, paused := s.recorder, s.recordingPaused
	s.recMu.Unlock()
	if rec == nil || paused {
		return
	}

	cameras := make([]CameraState, 0, ob.CameraCount)
	images := make([]RecordedImage, 0, len(ob.Images))
	for _, cf := range ob.Images {
		if cf == nil {
			continue
		}
		identity := Identity{ServerGUID: s.GUID, CameraIndex: cf.CameraIndex}
		vi, _ := s.CurrentVideoInfo()
		cameras = append(cameras, CameraState{
			CameraIndex: cf.CameraIndex,
			Identity:    identity,
			Calibration: s.GetCalibration(cf.CameraIndex),
			Extrinsics:  s.cfg.GetExtrinsics(int(cf.CameraIndex)),
			VideoInfo:   vi,
		})
		images = append(images, RecordedImage{
			Identity:      identity,
			FrameNumber:   cf.FrameNumber,
			BackReference: cf.BackReference,
			ImageBytes:    cf.ImageBytes,
			DepthBytes:    cf.DepthBytes,
			Accel:         cf.Accel,
			ExposureUsec:  cf.ExposureUsec,
			AWBUsec:       cf.AWBUsec,
			ISO:           cf.ISO,
			Brightness:    cf.Brightness,
			Saturation:    cf.Saturation,
		})
	}
	if len(images) > 0 {
		images[len(images)-1].IsFinalFrame = true
	}

	identity := Identity{ServerGUID: s.GUID}
	if err := rec.WriteBatch(identity, uint32(ob.CameraCount), ob.VideoBootUsec, uint64(ob.VideoEpochUsec), cameras, images); err != nil {
		s.log.Printf("recording: write batch %d: %v", ob.BatchNumber, err)
	}
}

// Status builds the current per-server status message (§6.1 MessageStatus).
func (s *Server) Status() proto.MessageStatus {
	s.mu.Lock()
	count := len(s.cameras)
	s.mu.Unlock()

	msg := proto.MessageStatus{
		Mode:          s.cfg.GetMode(),
		CaptureStatus: proto.StatusCapturing,
		CameraCount:   uint32(count),
	}
	if count == 0 {
		msg.CaptureStatus = proto.StatusNoCameras
	}
	for i := 0; i < count && i < proto.MaxCameras; i++ {
		msg.CameraStatus[i] = proto.CameraCapturing
	}
	return msg
}

// SampleThumbnail returns the most recently decoded NV12 frame for the given
// camera index, for the status feed to downsample into a preview tile. ok is
// false if the camera isn't registered or hasn't produced a frame yet.
func (s *Server) SampleThumbnail(cameraIndex int) (nv12 []byte, width, height int, ok bool) {
	s.mu.Lock()
	cam, exists := s.cameras[cameraIndex]
	s.mu.Unlock()
	if !exists {
		return nil, 0, 0, false
	}
	return cam.pipeline.LatestThumbnailSource()
}

// OpenCameraWithRetry retries CameraDriver construction up to
// deviceOpenRetries times with deviceOpenBackoff between attempts before
// giving up (§5 "Device open is retried up to 10x with 100ms sleeps").
func OpenCameraWithRetry(open func() (CameraDriver, error)) (CameraDriver, error) {
	var lastErr error
	for attempt := 0; attempt < deviceOpenRetries; attempt++ {
		drv, err := open()
		if err == nil {
			return drv, nil
		}
		lastErr = err
		time.Sleep(deviceOpenBackoff)
	}
	return nil, fmt.Errorf("capture: open camera after %d attempts: %w", deviceOpenRetries, lastErr)
}
