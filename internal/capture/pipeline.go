package capture

import (
	"log"
	"sync"
	"time"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// pipelineQueueDepth bounds each stage's inbound work queue (§4.3
// "Backpressure and drop policy").
const pipelineQueueDepth = 8

// keyframeInterval forces a keyframe at least this often even absent an
// explicit request or discontinuity.
const keyframeInterval = time.Second

// CameraPipeline runs the two-stage mesh/video compression chain for one
// camera. One instance is started per registered camera and fed batches
// that include an image from that camera.
type CameraPipeline struct {
	cameraIndex int
	log         *log.Logger
	cfg         *RuntimeConfig
	mesher      Mesher
	depthCodec  DepthCodec
	jpegDecoder JPEGDecoder
	encoder     HardwareVideoEncoder

	meshQueue  chan pipelineJob
	videoQueue chan meshResult

	lastKeyframe        time.Time
	seenExtrinsicsEpoch uint32
	seenClipEpoch       uint32
	currentParams       EncoderParams
	encoderReady        bool

	sampleMu              sync.Mutex
	sampleY               []byte
	sampleWidth           int
	sampleHeight          int

	done chan struct{}
}

type pipelineJob struct {
	batch *Batch
	slot  int
	frame *RawFrame
}

type meshResult struct {
	job       pipelineJob
	depthOut  []byte
	cropX0    int
	cropY0    int
	cropW     int
	cropH     int
	keyframe  bool
}

// NewCameraPipeline constructs a pipeline for one camera. Call Start to
// begin processing and Submit to feed it batches.
func NewCameraPipeline(cameraIndex int, cfg *RuntimeConfig, mesher Mesher, depthCodec DepthCodec, jpegDecoder JPEGDecoder, encoder HardwareVideoEncoder, logger *log.Logger) *CameraPipeline {
	return &CameraPipeline{
		cameraIndex: cameraIndex,
		log:         logger,
		cfg:         cfg,
		mesher:      mesher,
		depthCodec:  depthCodec,
		jpegDecoder: jpegDecoder,
		encoder:     encoder,
		meshQueue:   make(chan pipelineJob, pipelineQueueDepth),
		videoQueue:  make(chan meshResult, pipelineQueueDepth),
		done:        make(chan struct{}),
	}
}

// Start launches the two stage goroutines.
func (p *CameraPipeline) Start() {
	go p.runMeshStage()
	go p.runVideoStage()
}

// Stop shuts both stage goroutines down.
func (p *CameraPipeline) Stop() {
	close(p.done)
}

// Submit enqueues one camera's frame from a batch for compression. On
// overflow the batch is aborted with slow_drop set, per §4.3.
func (p *CameraPipeline) Submit(b *Batch, slot int, f *RawFrame) {
	select {
	case p.meshQueue <- pipelineJob{batch: b, slot: slot, frame: f}:
	default:
		p.log.Printf("camera %d: mesh queue full, dropping batch %d", p.cameraIndex, b.BatchNumber)
		b.Abort(false, true)
		b.StageDone()
		b.StageDone() // this camera will never reach the video stage either
	}
}

func (p *CameraPipeline) runMeshStage() {
	for {
		select {
		case <-p.done:
			return
		case job := <-p.meshQueue:
			p.processMesh(job)
		}
	}
}

func (p *CameraPipeline) processMesh(job pipelineJob) {
	defer job.batch.StageDone()

	if job.batch.IsAborted() {
		return
	}

	clip := p.cfg.GetClip()
	extr := p.cfg.GetExtrinsics(p.cameraIndex)

	// Recompute crop/mesh-dependent state only when extrinsics or clip
	// epochs have advanced (§4.8): avoid per-frame recomputation.
	extrEpoch := p.cfg.ExtrinsicsEpoch.Load()
	clipEpoch := p.cfg.ClipEpoch.Load()
	if extrEpoch != p.seenExtrinsicsEpoch || clipEpoch != p.seenClipEpoch {
		p.seenExtrinsicsEpoch = extrEpoch
		p.seenClipEpoch = clipEpoch
	}

	calibrating := p.cfg.GetMode() == proto.ModeCalibration
	effectiveClip := clip
	if calibrating {
		effectiveClip.Enabled = false
	}

	_ = p.mesher.Generate(job.frame.DepthU16, job.frame.DepthWidth, job.frame.DepthHeight, effectiveClip, extr)

	comp := p.cfg.GetCompression()
	videoType := comp.DepthVideo
	if calibrating {
		videoType = proto.VideoLossless
	}
	depthOut, err := p.depthCodec.Compress(job.frame.DepthU16, job.frame.DepthWidth, job.frame.DepthHeight, losslessFlag{videoType == proto.VideoLossless})
	if err != nil {
		p.log.Printf("camera %d: depth compress failed: %v", p.cameraIndex, err)
		job.batch.Abort(true, false)
		return
	}

	select {
	case p.videoQueue <- meshResult{job: job, depthOut: depthOut}:
	default:
		p.log.Printf("camera %d: video queue full, dropping batch %d", p.cameraIndex, job.batch.BatchNumber)
		job.batch.Abort(false, true)
		job.batch.StageDone()
	}
}

type losslessFlag struct{ lossless bool }

func (l losslessFlag) IsLossless() bool { return l.lossless }

func (p *CameraPipeline) runVideoStage() {
	for {
		select {
		case <-p.done:
			return
		case mr := <-p.videoQueue:
			p.processVideo(mr)
		}
	}
}

func (p *CameraPipeline) processVideo(mr meshResult) {
	defer mr.job.batch.StageDone()

	if mr.job.batch.IsAborted() {
		return
	}

	frame := mr.job.frame
	colorBytes := frame.ColorBytes
	width, height := frame.ColorWidth, frame.ColorHeight
	if frame.ColorIsMJPEG {
		nv12, w, h, err := p.jpegDecoder.DecodeToNV12(colorBytes)
		if err != nil {
			p.log.Printf("camera %d: jpeg decode failed: %v", p.cameraIndex, err)
			mr.job.batch.Abort(true, false)
			return
		}
		colorBytes, width, height = nv12, w, h
	}

	p.storeThumbnailSample(colorBytes, width, height)

	comp := p.cfg.GetCompression()
	params := EncoderParams{
		VideoType:           comp.ColorVideo,
		Bitrate:             comp.ColorBitrate,
		Quality:             comp.ColorQuality,
		Framerate:           frame.Framerate,
		Width:               width,
		Height:              height,
		IntraRefreshPeriod:  frame.Framerate / 2,
		IntraRefreshQPDelta: -5,
		ProcAmp: ProcAmp{
			DenoisePercent: comp.DenoisePercent,
			Brightness:     p.cfg.GetLighting(p.cameraIndex).Brightness,
			Saturation:     p.cfg.GetLighting(p.cameraIndex).Saturation,
		},
	}

	if !p.encoderReady || !sameEncoderShape(p.currentParams, params) {
		if err := p.encoder.Reconfigure(params); err != nil {
			p.log.Printf("camera %d: encoder reconfigure failed: %v", p.cameraIndex, err)
			mr.job.batch.Abort(true, false)
			return
		}
		p.encoderReady = true
	}
	p.currentParams = params

	forceKeyframe := mr.job.batch.Keyframe ||
		time.Since(p.lastKeyframe) >= keyframeInterval ||
		p.cfg.ConsumeKeyframeRequest() ||
		mr.job.batch.Discontinuity

	picture, isKeyframe, err := p.encoder.Encode(colorBytes, width, height, forceKeyframe)
	if err != nil {
		p.log.Printf("camera %d: encode failed: %v", p.cameraIndex, err)
		mr.job.batch.Abort(true, false)
		return
	}
	if isKeyframe {
		p.lastKeyframe = time.Now()
		if ps := p.encoder.ParameterSets(); len(ps) > 0 {
			picture = append(append([]byte{}, ps...), picture...)
		}
	}

	backRef := int32(proto.BackRefPrior)
	if isKeyframe {
		backRef = proto.BackRefKeyframe
	}

	mr.job.batch.SetCompressed(mr.job.slot, &CompressedFrame{
		CameraIndex:   uint32(p.cameraIndex),
		FrameNumber:   frame.FrameNumber,
		BackReference: backRef,
		ImageBytes:    picture,
		DepthBytes:    mr.depthOut,
		Accel:         [3]float32{frame.Accel.X, frame.Accel.Y, frame.Accel.Z},
		ExposureUsec:  uint32(frame.ColorExposureUsec),
		AWBUsec:       uint32(frame.ColorAWBUsec),
		ISO:           uint32(frame.ColorISO),
		Brightness:    params.ProcAmp.Brightness,
		Saturation:    params.ProcAmp.Saturation,
	})
}

// storeThumbnailSample stashes the latest decoded NV12 frame for the status
// feed to downsample into a preview tile. Cheap: just a slice reference swap.
func (p *CameraPipeline) storeThumbnailSample(nv12 []byte, width, height int) {
	p.sampleMu.Lock()
	p.sampleY, p.sampleWidth, p.sampleHeight = nv12, width, height
	p.sampleMu.Unlock()
}

// LatestThumbnailSource returns the most recently decoded NV12 frame, for
// generating a status-feed thumbnail. ok is false until the first frame has
// gone through this pipeline's video stage.
func (p *CameraPipeline) LatestThumbnailSource() (nv12 []byte, width, height int, ok bool) {
	p.sampleMu.Lock()
	defer p.sampleMu.Unlock()
	if p.sampleY == nil {
		return nil, 0, 0, false
	}
	return p.sampleY, p.sampleWidth, p.sampleHeight, true
}
