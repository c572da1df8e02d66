package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/orbo-rgbd/xrcap/internal/container"
	"github.com/orbo-rgbd/xrcap/internal/proto"
	"github.com/orbo-rgbd/xrcap/internal/registry"
	"github.com/orbo-rgbd/xrcap/internal/transport"
	"github.com/orbo-rgbd/xrcap/internal/viewer"
)

// viewerApp owns one live capture-server connection: decrypting the control
// stream, reassembling per-camera image/depth payloads into pictures,
// feeding the decode pipeline and dejitter engine, and mirroring whatever the
// programmatic Client's recording knobs say onto a container.Writer. None of
// this lives in internal/viewer itself, so that package stays free of
// net.Conn and the concrete wire message catalog (mirrors the split between
// cmd/xrcap-capture and internal/capture).
type viewerApp struct {
	log *log.Logger

	client     *viewer.Client
	serverGUID uint64
	serverName string

	conn       net.Conn
	sendFramer *transport.Framer
	recvFramer *transport.Framer

	registry *registry.Registry

	calibration map[uint32]proto.Calibration
	extrinsics  map[uint32]proto.Extrinsics
	videoInfo   proto.VideoInfo

	decoders      map[uint32]*viewer.CameraDecoder
	depthDecoders map[uint32]*simDepthDecoder

	pendingHeader *proto.MessageFrameHeader
	pendingImage  []byte

	pendingBatchCameraCount   uint32
	pendingBatchVideoBootUsec uint64
	recBatchImages            []container.BatchImage

	recorder           *container.Writer
	recordingPath      string
	recordingSessionID string
	recordingEpochUsec uint64

	debug bool
}

func (a *viewerApp) sendControl(payload []byte) error {
	return transport.WriteFrame(a.conn, a.sendFramer.SealEnvelope(byte(proto.StreamControl), payload))
}

// recvLoop reads framed, encrypted envelopes until the connection closes.
func (a *viewerApp) recvLoop() {
	for {
		envelope, err := transport.ReadFrame(a.conn)
		if err != nil {
			return
		}
		stream, payload, err := a.recvFramer.OpenEnvelope(envelope)
		if err != nil {
			a.log.Printf("decrypt: %v", err)
			return
		}
		switch proto.StreamName(stream) {
		case proto.StreamControl:
			if err := a.handleControl(payload); err != nil {
				a.log.Printf("control message: %v", err)
			}
		case proto.StreamImage:
			a.handleImage(payload)
		case proto.StreamDepth:
			a.handleDepth(payload)
		}
	}
}

func (a *viewerApp) handleControl(payload []byte) error {
	msgType, err := proto.PeekType(payload)
	if err != nil {
		return err
	}
	body := payload[1:]

	switch msgType {
	case proto.MsgStatus:
		m, err := proto.DecodeMessageStatus(body)
		if err != nil {
			return err
		}
		if a.serverGUID != 0 {
			a.client.UpdateStatus(a.serverGUID, m.Mode, m.CaptureStatus)
		}
	case proto.MsgCalibration:
		m, err := proto.DecodeMessageCalibration(body)
		if err != nil {
			return err
		}
		a.calibration[m.CameraIndex] = m.Calibration
		if a.serverGUID == 0 {
			a.serverGUID = m.Calibration.Identity.ServerGUID
			a.client.Connect(a.serverGUID, a.serverName)
		}
		if dd, ok := a.depthDecoders[m.CameraIndex]; ok {
			dd.width = int(m.Calibration.DepthIntrinsics.Width)
			dd.height = int(m.Calibration.DepthIntrinsics.Height)
		}
		if a.registry != nil {
			if err := a.registry.SaveCalibration(m.Calibration.Identity, m.Calibration); err != nil {
				a.log.Printf("catalog: save calibration: %v", err)
			}
		}
	case proto.MsgExtrinsics:
		m, err := proto.DecodeMessageExtrinsics(body)
		if err != nil {
			return err
		}
		a.extrinsics[m.CameraIndex] = m.Extrinsics
	case proto.MsgVideoInfo:
		m, err := proto.DecodeMessageVideoInfo(body)
		if err != nil {
			return err
		}
		a.videoInfo = m.Info
	case proto.MsgBatchInfo:
		m, err := proto.DecodeMessageBatchInfo(body)
		if err != nil {
			return err
		}
		a.pendingBatchCameraCount = m.CameraCount
		a.pendingBatchVideoBootUsec = m.VideoBootUsec
		a.recBatchImages = a.recBatchImages[:0]
	case proto.MsgFrameHeader:
		hdr, err := proto.DecodeMessageFrameHeader(body)
		if err != nil {
			return err
		}
		a.pendingHeader = &hdr
		a.pendingImage = nil
		if hdr.ImageBytes == 0 && hdr.DepthBytes == 0 {
			a.completeFrame(hdr, nil, nil)
			a.pendingHeader = nil
		}
	default:
		if a.debug {
			a.log.Printf("ignoring unexpected control message type %d from capture server", msgType)
		}
	}
	return nil
}

func (a *viewerApp) handleImage(payload []byte) {
	if a.pendingHeader == nil {
		a.log.Printf("image payload with no pending frame header, dropping")
		return
	}
	a.pendingImage = payload
	if a.pendingHeader.DepthBytes == 0 {
		hdr := *a.pendingHeader
		a.completeFrame(hdr, a.pendingImage, nil)
		a.pendingHeader, a.pendingImage = nil, nil
	}
}

func (a *viewerApp) handleDepth(payload []byte) {
	if a.pendingHeader == nil {
		a.log.Printf("depth payload with no pending frame header, dropping")
		return
	}
	hdr := *a.pendingHeader
	a.completeFrame(hdr, a.pendingImage, payload)
	a.pendingHeader, a.pendingImage = nil, nil
}

// cameraDecoder returns (creating if needed) the decode pipeline for one
// camera, seeded with whatever calibration has been received so far.
func (a *viewerApp) cameraDecoder(cameraIndex uint32) *viewer.CameraDecoder {
	if d, ok := a.decoders[cameraIndex]; ok {
		return d
	}
	cal := a.calibration[cameraIndex]
	dd := &simDepthDecoder{width: int(cal.DepthIntrinsics.Width), height: int(cal.DepthIntrinsics.Height)}
	d := viewer.NewCameraDecoder(int(cameraIndex), dd, simViewerMesher{}, simHardwareVideoDecoder{}, a.log)
	a.decoders[cameraIndex] = d
	a.depthDecoders[cameraIndex] = dd
	return d
}

func (a *viewerApp) completeFrame(hdr proto.MessageFrameHeader, imageBytes, depthBytes []byte) {
	decoder := a.cameraDecoder(hdr.CameraIndex)
	pic := viewer.IncomingPicture{
		FrameNumber:   hdr.FrameNumber,
		BackReference: hdr.BackReference,
		Picture:       imageBytes,
		DepthPayload:  depthBytes,
		Width:         int(a.videoInfo.Width),
		Height:        int(a.videoInfo.Height),
	}

	var mesh viewer.Mesh
	if len(depthBytes) > 0 {
		if m, err := decoder.DecodeMesh(pic); err != nil {
			a.log.Printf("camera %d: decode mesh: %v", hdr.CameraIndex, err)
		} else {
			mesh = m
		}
	}
	var nv12 []byte
	if len(imageBytes) > 0 {
		if n, err := decoder.DecodeVideo(pic); err != nil {
			a.log.Printf("camera %d: decode video: %v", hdr.CameraIndex, err)
		} else {
			nv12 = n
		}
	}

	if a.serverGUID != 0 {
		a.client.Dejitter().Insert(a.serverGUID, int64(a.pendingBatchVideoBootUsec), viewer.DecodedFrame{
			CameraIndex: int(hdr.CameraIndex),
			FrameNumber: hdr.FrameNumber,
			NV12:        nv12,
			Width:       int(a.videoInfo.Width),
			Height:      int(a.videoInfo.Height),
			Mesh:        mesh,
		})
	}

	a.recBatchImages = append(a.recBatchImages, container.BatchImage{
		Identity:      proto.CameraIdentity{ServerGUID: a.serverGUID, CameraIndex: hdr.CameraIndex},
		IsFinalFrame:  hdr.IsFinalFrame,
		FrameNumber:   hdr.FrameNumber,
		BackReference: hdr.BackReference,
		ImageBytes:    imageBytes,
		DepthBytes:    depthBytes,
		Accel:         hdr.Accel,
		ExposureUsec:  hdr.ExposureUsec,
		AWBUsec:       hdr.AWBUsec,
		ISO:           hdr.ISO,
		Brightness:    hdr.Brightness,
		Saturation:    hdr.Saturation,
	})
	if a.pendingBatchCameraCount > 0 && uint32(len(a.recBatchImages)) >= a.pendingBatchCameraCount {
		a.flushRecording()
	}
}

// flushRecording mirrors the current Client recording knobs onto a
// container.Writer: recording start/stop/pause is a purely local viewer
// decision (internal/viewer/client.go has no wire message for it), so the
// only place it can take effect is here, once a batch's images are complete.
func (a *viewerApp) flushRecording() {
	defer func() { a.recBatchImages = a.recBatchImages[:0] }()

	st := a.client.GetRecordingState()
	if st.Recording && st.Paused {
		return
	}
	if !st.Recording || st.Paused {
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.log.Printf("close recording: %v", err)
			}
			if a.registry != nil && a.recordingSessionID != "" {
				if err := a.registry.EndRecording(a.recordingSessionID, time.Now()); err != nil {
					a.log.Printf("catalog: end recording: %v", err)
				}
			}
			a.recorder, a.recordingPath, a.recordingSessionID = nil, "", ""
		}
		return
	}

	if a.recorder == nil || a.recordingPath != st.FilePath {
		if a.recorder != nil {
			a.recorder.Close()
		}
		f, err := os.Create(st.FilePath)
		if err != nil {
			a.log.Printf("open recording %s: %v", st.FilePath, err)
			return
		}
		a.recorder = container.NewWriter(f)
		a.recordingPath = st.FilePath
		a.recordingEpochUsec = uint64(time.Now().UnixMicro())
		a.log.Printf("recording to %s", st.FilePath)

		if a.registry != nil {
			a.recordingSessionID = uuid.NewString()
			session := registry.RecordingSession{
				ID:          a.recordingSessionID,
				Path:        st.FilePath,
				StartedAt:   time.Now(),
				ServerGUIDs: []uint64{a.serverGUID},
			}
			if err := a.registry.BeginRecording(session); err != nil {
				a.log.Printf("catalog: begin recording: %v", err)
			}
		}
	}

	cameras := a.cameraSnapshots()
	identity := proto.CameraIdentity{ServerGUID: a.serverGUID}
	if err := a.recorder.WriteBatch(identity, uint32(len(cameras)), a.pendingBatchVideoBootUsec, a.recordingEpochUsec, cameras, a.recBatchImages); err != nil {
		a.log.Printf("write recording batch: %v", err)
	}
}

func (a *viewerApp) cameraSnapshots() []container.CameraSnapshot {
	out := make([]container.CameraSnapshot, 0, len(a.calibration))
	for idx, cal := range a.calibration {
		out = append(out, container.CameraSnapshot{
			CameraIndex: idx,
			Identity:    proto.CameraIdentity{ServerGUID: a.serverGUID, CameraIndex: idx},
			Calibration: cal,
			Extrinsics:  a.extrinsics[idx],
			VideoInfo:   a.videoInfo,
		})
	}
	return out
}

// pacingBatchLimit mirrors container's unexported readAheadBatches: with no
// other consumer to gate on, this keeps offline playback from racing
// arbitrarily far ahead of the pacing its own sleep loop provides.
const pacingBatchLimit = 30

// runPlayback drives the decode/dejitter pipeline from a recorded container
// file instead of a live connection, pacing batches by their recorded
// video_boot_usec deltas.
func runPlayback(logger *log.Logger, path string, loop bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := container.NewReader(f, loop)

	client := viewer.NewClient(logger)
	defer client.Shutdown()

	const playbackServerGUID = 1
	client.Connect(playbackServerGUID, filepath.Base(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go renderLoop(ctx, client, logger, true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	decoders := make(map[uint32]*viewer.CameraDecoder)
	depthDecoders := make(map[uint32]*simDepthDecoder)
	var currentBatch container.BatchEvent
	var havePrevVideoUsec bool
	var prevVideoUsec int64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if reader.PendingBatches() >= pacingBatchLimit {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read container: %w", err)
		}

		if ev.Batch != nil {
			if havePrevVideoUsec {
				if delta := ev.Batch.VideoBootUsec - prevVideoUsec; delta > 0 {
					time.Sleep(time.Duration(delta) * time.Microsecond)
				}
			}
			prevVideoUsec, havePrevVideoUsec = ev.Batch.VideoBootUsec, true
			currentBatch = *ev.Batch
			continue
		}
		if ev.Frame == nil {
			continue
		}
		fr := ev.Frame
		tables := reader.Tables()
		cal := tables.Calibration[fr.Identity.CameraIndex]
		vi := tables.VideoInfo[fr.Identity.CameraIndex]

		decoder, ok := decoders[fr.Identity.CameraIndex]
		if !ok {
			dd := &simDepthDecoder{width: int(cal.DepthIntrinsics.Width), height: int(cal.DepthIntrinsics.Height)}
			decoder = viewer.NewCameraDecoder(int(fr.Identity.CameraIndex), dd, simViewerMesher{}, simHardwareVideoDecoder{}, logger)
			decoders[fr.Identity.CameraIndex] = decoder
			depthDecoders[fr.Identity.CameraIndex] = dd
		} else if dd := depthDecoders[fr.Identity.CameraIndex]; dd != nil {
			dd.width, dd.height = int(cal.DepthIntrinsics.Width), int(cal.DepthIntrinsics.Height)
		}

		pic := viewer.IncomingPicture{
			FrameNumber:   fr.FrameNumber,
			BackReference: fr.BackReference,
			Picture:       fr.ImageBytes,
			DepthPayload:  fr.DepthBytes,
			Width:         int(vi.Width),
			Height:        int(vi.Height),
		}
		var mesh viewer.Mesh
		if len(fr.DepthBytes) > 0 {
			if m, err := decoder.DecodeMesh(pic); err != nil {
				logger.Printf("camera %d: decode mesh: %v", fr.Identity.CameraIndex, err)
			} else {
				mesh = m
			}
		}
		var nv12 []byte
		if len(fr.ImageBytes) > 0 {
			if n, err := decoder.DecodeVideo(pic); err != nil {
				logger.Printf("camera %d: decode video: %v", fr.Identity.CameraIndex, err)
			} else {
				nv12 = n
			}
		}

		client.Dejitter().Insert(playbackServerGUID, currentBatch.VideoBootUsec, viewer.DecodedFrame{
			CameraIndex: int(fr.Identity.CameraIndex),
			FrameNumber: fr.FrameNumber,
			NV12:        nv12,
			Width:       int(vi.Width),
			Height:      int(vi.Height),
			Mesh:        mesh,
		})
	}
}
