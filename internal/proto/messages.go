package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageType tags the first byte of every control-stream payload.
type MessageType uint8

const (
	MsgStatus MessageType = iota
	MsgSetCompression
	MsgSetExposure
	MsgSetClip
	MsgSetLighting
	MsgCalibration
	MsgExtrinsics
	MsgVideoInfo
	MsgBatchInfo
	MsgFrameHeader
	MsgRequestKeyframe
)

// Intrinsics mirrors the data-model Intrinsics block (one per color/depth).
type Intrinsics struct {
	Width, Height  uint32
	LensModel      LensModel
	Cx, Cy, Fx, Fy float32
	K              [6]float32
	Codx, Cody     float32
	P1, P2         float32
}

func (v Intrinsics) encode(w *bytes.Buffer) {
	binary.Write(w, binary.LittleEndian, v.Width)
	binary.Write(w, binary.LittleEndian, v.Height)
	binary.Write(w, binary.LittleEndian, uint8(v.LensModel))
	binary.Write(w, binary.LittleEndian, v.Cx)
	binary.Write(w, binary.LittleEndian, v.Cy)
	binary.Write(w, binary.LittleEndian, v.Fx)
	binary.Write(w, binary.LittleEndian, v.Fy)
	binary.Write(w, binary.LittleEndian, v.K)
	binary.Write(w, binary.LittleEndian, v.Codx)
	binary.Write(w, binary.LittleEndian, v.Cody)
	binary.Write(w, binary.LittleEndian, v.P1)
	binary.Write(w, binary.LittleEndian, v.P2)
}

func decodeIntrinsics(r *bytes.Reader) (Intrinsics, error) {
	var v Intrinsics
	var lens uint8
	fields := []any{&v.Width, &v.Height, &lens, &v.Cx, &v.Cy, &v.Fx, &v.Fy, &v.K, &v.Codx, &v.Cody, &v.P1, &v.P2}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return v, fmt.Errorf("decode intrinsics: %w", err)
		}
	}
	v.LensModel = LensModel(lens)
	return v, nil
}

// CameraIdentity is the primary key for calibration, extrinsics, and frame
// routing: stable for the lifetime of one capture-server process.
type CameraIdentity struct {
	ServerGUID  uint64
	CameraIndex uint32
}

func (id CameraIdentity) encode(w *bytes.Buffer) {
	binary.Write(w, binary.LittleEndian, id.ServerGUID)
	binary.Write(w, binary.LittleEndian, id.CameraIndex)
}

func decodeIdentity(r *bytes.Reader) (CameraIdentity, error) {
	var id CameraIdentity
	if err := binary.Read(r, binary.LittleEndian, &id.ServerGUID); err != nil {
		return id, err
	}
	if err := binary.Read(r, binary.LittleEndian, &id.CameraIndex); err != nil {
		return id, err
	}
	return id, nil
}

// Calibration pairs per-camera color/depth intrinsics with the rigid
// transform from depth-sensor space to color-sensor space: Q = P*R + T.
type Calibration struct {
	Identity          CameraIdentity
	ColorIntrinsics   Intrinsics
	DepthIntrinsics   Intrinsics
	RotationFromDepth [9]float32
	TranslationFromDepth [3]float32
}

// MessageCalibration is the on-wire calibration push for one camera.
type MessageCalibration struct {
	CameraIndex uint32
	Calibration Calibration
}

func (m MessageCalibration) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgCalibration))
	binary.Write(&w, binary.LittleEndian, m.CameraIndex)
	m.Calibration.Identity.encode(&w)
	m.Calibration.ColorIntrinsics.encode(&w)
	m.Calibration.DepthIntrinsics.encode(&w)
	binary.Write(&w, binary.LittleEndian, m.Calibration.RotationFromDepth)
	binary.Write(&w, binary.LittleEndian, m.Calibration.TranslationFromDepth)
	return w.Bytes()
}

func DecodeMessageCalibration(body []byte) (MessageCalibration, error) {
	r := bytes.NewReader(body)
	var m MessageCalibration
	if err := binary.Read(r, binary.LittleEndian, &m.CameraIndex); err != nil {
		return m, err
	}
	id, err := decodeIdentity(r)
	if err != nil {
		return m, err
	}
	m.Calibration.Identity = id
	if m.Calibration.ColorIntrinsics, err = decodeIntrinsics(r); err != nil {
		return m, err
	}
	if m.Calibration.DepthIntrinsics, err = decodeIntrinsics(r); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Calibration.RotationFromDepth); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Calibration.TranslationFromDepth); err != nil {
		return m, err
	}
	return m, nil
}

// Extrinsics transforms a per-camera mesh point into a shared scene frame.
type Extrinsics struct {
	IsIdentity bool
	Transform  [16]float32 // row-major 4x4, ignored when IsIdentity
}

// MessageExtrinsics is the on-wire extrinsics push for one camera.
type MessageExtrinsics struct {
	CameraIndex uint32
	Extrinsics  Extrinsics
}

func (m MessageExtrinsics) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgExtrinsics))
	binary.Write(&w, binary.LittleEndian, m.CameraIndex)
	isIdentity := int32(0)
	if m.Extrinsics.IsIdentity {
		isIdentity = 1
	}
	binary.Write(&w, binary.LittleEndian, isIdentity)
	binary.Write(&w, binary.LittleEndian, m.Extrinsics.Transform)
	return w.Bytes()
}

func DecodeMessageExtrinsics(body []byte) (MessageExtrinsics, error) {
	r := bytes.NewReader(body)
	var m MessageExtrinsics
	var isIdentity int32
	if err := binary.Read(r, binary.LittleEndian, &m.CameraIndex); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &isIdentity); err != nil {
		return m, err
	}
	m.Extrinsics.IsIdentity = isIdentity != 0
	if err := binary.Read(r, binary.LittleEndian, &m.Extrinsics.Transform); err != nil {
		return m, err
	}
	return m, nil
}

// MessageStatus reports overall and per-camera capture status.
type MessageStatus struct {
	Mode          Mode
	CaptureStatus CaptureStatus
	CameraCount   uint32
	CameraStatus  [MaxCameras]CameraStatus
}

func (m MessageStatus) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgStatus))
	w.WriteByte(byte(m.Mode))
	w.WriteByte(byte(m.CaptureStatus))
	binary.Write(&w, binary.LittleEndian, m.CameraCount)
	for _, s := range m.CameraStatus {
		w.WriteByte(byte(s))
	}
	return w.Bytes()
}

func DecodeMessageStatus(body []byte) (MessageStatus, error) {
	r := bytes.NewReader(body)
	var m MessageStatus
	var mode, status uint8
	if err := binary.Read(r, binary.LittleEndian, &mode); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
		return m, err
	}
	m.Mode, m.CaptureStatus = Mode(mode), CaptureStatus(status)
	if err := binary.Read(r, binary.LittleEndian, &m.CameraCount); err != nil {
		return m, err
	}
	for i := range m.CameraStatus {
		var c uint8
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			return m, err
		}
		m.CameraStatus[i] = CameraStatus(c)
	}
	return m, nil
}

// CompressionSettings mirrors set_compression's wire payload.
type CompressionSettings struct {
	ColorBitrate    uint32
	ColorQuality    uint8
	ColorVideo      VideoType
	DepthVideo      VideoType
	DenoisePercent  uint8
	Stabilization   bool
	EdgeFilter      bool
	FacePaintingFix bool
}

// MessageSetCompression requests a new compression configuration.
type MessageSetCompression struct {
	Settings CompressionSettings
}

func (m MessageSetCompression) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgSetCompression))
	binary.Write(&w, binary.LittleEndian, m.Settings.ColorBitrate)
	w.WriteByte(m.Settings.ColorQuality)
	w.WriteByte(byte(m.Settings.ColorVideo))
	w.WriteByte(byte(m.Settings.DepthVideo))
	w.WriteByte(m.Settings.DenoisePercent)
	w.WriteByte(boolByte(m.Settings.Stabilization))
	w.WriteByte(boolByte(m.Settings.EdgeFilter))
	w.WriteByte(boolByte(m.Settings.FacePaintingFix))
	return w.Bytes()
}

func DecodeMessageSetCompression(body []byte) (MessageSetCompression, error) {
	r := bytes.NewReader(body)
	var m MessageSetCompression
	if err := binary.Read(r, binary.LittleEndian, &m.Settings.ColorBitrate); err != nil {
		return m, err
	}
	raw := make([]byte, 7)
	if _, err := r.Read(raw); err != nil {
		return m, err
	}
	m.Settings.ColorQuality = raw[0]
	m.Settings.ColorVideo = VideoType(raw[1])
	m.Settings.DepthVideo = VideoType(raw[2])
	m.Settings.DenoisePercent = raw[3]
	m.Settings.Stabilization = raw[4] != 0
	m.Settings.EdgeFilter = raw[5] != 0
	m.Settings.FacePaintingFix = raw[6] != 0
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MessageSetExposure requests a new exposure/AWB configuration.
type MessageSetExposure struct {
	AutoEnabled  bool
	ExposureUsec uint32
	AWBUsec      uint32
}

func (m MessageSetExposure) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgSetExposure))
	auto := int32(0)
	if m.AutoEnabled {
		auto = 1
	}
	binary.Write(&w, binary.LittleEndian, auto)
	binary.Write(&w, binary.LittleEndian, m.ExposureUsec)
	binary.Write(&w, binary.LittleEndian, m.AWBUsec)
	return w.Bytes()
}

func DecodeMessageSetExposure(body []byte) (MessageSetExposure, error) {
	r := bytes.NewReader(body)
	var m MessageSetExposure
	var auto int32
	if err := binary.Read(r, binary.LittleEndian, &auto); err != nil {
		return m, err
	}
	m.AutoEnabled = auto != 0
	if err := binary.Read(r, binary.LittleEndian, &m.ExposureUsec); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.AWBUsec); err != nil {
		return m, err
	}
	return m, nil
}

// MessageSetClip requests a new clip-region configuration.
type MessageSetClip struct {
	Enabled  bool
	RadiusM  float32
	FloorM   float32
	CeilingM float32
}

func (m MessageSetClip) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgSetClip))
	enabled := int32(0)
	if m.Enabled {
		enabled = 1
	}
	binary.Write(&w, binary.LittleEndian, enabled)
	binary.Write(&w, binary.LittleEndian, m.RadiusM)
	binary.Write(&w, binary.LittleEndian, m.FloorM)
	binary.Write(&w, binary.LittleEndian, m.CeilingM)
	return w.Bytes()
}

func DecodeMessageSetClip(body []byte) (MessageSetClip, error) {
	r := bytes.NewReader(body)
	var m MessageSetClip
	var enabled int32
	if err := binary.Read(r, binary.LittleEndian, &enabled); err != nil {
		return m, err
	}
	m.Enabled = enabled != 0
	if err := binary.Read(r, binary.LittleEndian, &m.RadiusM); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.FloorM); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.CeilingM); err != nil {
		return m, err
	}
	return m, nil
}

// MessageSetLighting requests per-camera brightness/saturation.
type MessageSetLighting struct {
	CameraIndex int32
	Brightness  float32
	Saturation  float32
}

func (m MessageSetLighting) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgSetLighting))
	binary.Write(&w, binary.LittleEndian, m.CameraIndex)
	binary.Write(&w, binary.LittleEndian, m.Brightness)
	binary.Write(&w, binary.LittleEndian, m.Saturation)
	return w.Bytes()
}

func DecodeMessageSetLighting(body []byte) (MessageSetLighting, error) {
	r := bytes.NewReader(body)
	var m MessageSetLighting
	if err := binary.Read(r, binary.LittleEndian, &m.CameraIndex); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Brightness); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Saturation); err != nil {
		return m, err
	}
	return m, nil
}

// VideoInfo describes the color video stream's current encode parameters.
type VideoInfo struct {
	VideoType VideoType
	Width     uint32
	Height    uint32
	Framerate uint32
	Bitrate   uint32
}

// MessageVideoInfo is resent whenever VideoInfo changes (epoch bump).
type MessageVideoInfo struct {
	Info VideoInfo
}

func (m MessageVideoInfo) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgVideoInfo))
	w.WriteByte(byte(m.Info.VideoType))
	binary.Write(&w, binary.LittleEndian, m.Info.Width)
	binary.Write(&w, binary.LittleEndian, m.Info.Height)
	binary.Write(&w, binary.LittleEndian, m.Info.Framerate)
	binary.Write(&w, binary.LittleEndian, m.Info.Bitrate)
	return w.Bytes()
}

func DecodeMessageVideoInfo(body []byte) (MessageVideoInfo, error) {
	r := bytes.NewReader(body)
	var m MessageVideoInfo
	var vt uint8
	if err := binary.Read(r, binary.LittleEndian, &vt); err != nil {
		return m, err
	}
	m.Info.VideoType = VideoType(vt)
	if err := binary.Read(r, binary.LittleEndian, &m.Info.Width); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Info.Height); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Info.Framerate); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Info.Bitrate); err != nil {
		return m, err
	}
	return m, nil
}

// MessageBatchInfo precedes the per-image FrameHeader/image/depth message sequence for a batch.
type MessageBatchInfo struct {
	CameraCount   uint32
	VideoBootUsec uint64
}

func (m MessageBatchInfo) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgBatchInfo))
	binary.Write(&w, binary.LittleEndian, m.CameraCount)
	binary.Write(&w, binary.LittleEndian, m.VideoBootUsec)
	return w.Bytes()
}

func DecodeMessageBatchInfo(body []byte) (MessageBatchInfo, error) {
	r := bytes.NewReader(body)
	var m MessageBatchInfo
	if err := binary.Read(r, binary.LittleEndian, &m.CameraCount); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.VideoBootUsec); err != nil {
		return m, err
	}
	return m, nil
}

// MessageFrameHeader precedes one image's image and depth payloads on the
// wire. Each payload goes out as a single image or depth message; the sender
// does not split it into MaxChunkBytes chunks.
type MessageFrameHeader struct {
	FrameNumber    uint32
	BackReference  int32
	IsFinalFrame   bool
	CameraIndex    uint32
	Accel          [3]float32
	ImageBytes     uint32
	DepthBytes     uint32
	ExposureUsec   uint32
	AWBUsec        uint32
	ISO            uint32
	Brightness     float32
	Saturation     float32
}

func (m MessageFrameHeader) Encode() []byte {
	var w bytes.Buffer
	w.WriteByte(byte(MsgFrameHeader))
	binary.Write(&w, binary.LittleEndian, m.FrameNumber)
	binary.Write(&w, binary.LittleEndian, m.BackReference)
	w.WriteByte(boolByte(m.IsFinalFrame))
	binary.Write(&w, binary.LittleEndian, m.CameraIndex)
	binary.Write(&w, binary.LittleEndian, m.Accel)
	binary.Write(&w, binary.LittleEndian, m.ImageBytes)
	binary.Write(&w, binary.LittleEndian, m.DepthBytes)
	binary.Write(&w, binary.LittleEndian, m.ExposureUsec)
	binary.Write(&w, binary.LittleEndian, m.AWBUsec)
	binary.Write(&w, binary.LittleEndian, m.ISO)
	binary.Write(&w, binary.LittleEndian, m.Brightness)
	binary.Write(&w, binary.LittleEndian, m.Saturation)
	return w.Bytes()
}

func DecodeMessageFrameHeader(body []byte) (MessageFrameHeader, error) {
	r := bytes.NewReader(body)
	var m MessageFrameHeader
	var isFinal uint8
	if err := binary.Read(r, binary.LittleEndian, &m.FrameNumber); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.BackReference); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &isFinal); err != nil {
		return m, err
	}
	m.IsFinalFrame = isFinal != 0
	if err := binary.Read(r, binary.LittleEndian, &m.CameraIndex); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Accel); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.ImageBytes); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.DepthBytes); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.ExposureUsec); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.AWBUsec); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.ISO); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Brightness); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Saturation); err != nil {
		return m, err
	}
	return m, nil
}

// PeekType reads the leading type tag without consuming the buffer.
func PeekType(b []byte) (MessageType, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty message")
	}
	return MessageType(b[0]), nil
}
