// Package proto defines the wire message shapes shared by the capture
// server, rendezvous server, and viewer client, and the little-endian
// encode/decode helpers used to pack and parse them.
package proto

import "time"

// Network constants, bit-exact with the wire protocol description.
const (
	MaxCameras             = 8
	DirectListenPort       = 28772
	RendezvousListenPort   = 28773
	BandwidthLimitBPS      = 16 * 1000 * 1000
	MaxChunkBytes          = 16000
	SendQueueDepth         = 30
	PublicDataBytes        = 36
	Response1Bytes         = 32
	Response2Bytes         = 64
	Response3Bytes         = 32
	SharedKeyBytes         = 32
)

// Mode is the capture server's operating mode.
type Mode uint8

const (
	ModeDisabled Mode = iota
	ModeCalibration
	ModeCaptureLowQ
	ModeCaptureHighQ
)

// CaptureStatus is the overall capture-server status surfaced to viewers.
type CaptureStatus uint8

const (
	StatusIdle CaptureStatus = iota
	StatusInitializing
	StatusCapturing
	StatusNoCameras
	StatusBadUSBConnection
	StatusFirmwareVersionMismatch
	StatusSyncCableMisconfigured
)

// CameraStatus is the per-camera status surfaced to viewers.
type CameraStatus uint8

const (
	CameraIdle CameraStatus = iota
	CameraInitializing
	CameraStartFailed
	CameraCapturing
	CameraReadFailed
	CameraSlowWarning
)

// VideoType selects the codec used for a compressed stream.
type VideoType uint8

const (
	VideoLossless VideoType = iota
	VideoH264
	VideoH265
)

// LensModel enumerates supported intrinsics models.
type LensModel uint8

const (
	LensUnknown LensModel = iota
	LensTheta
	LensPoly3K
	LensRational6KT
	LensBrownConrady
)

// ConnectResult is returned by the rendezvous/capture-server handshake.
type ConnectResult uint8

const (
	ConnectNotFound ConnectResult = iota
	ConnectNotReady
	ConnectConnecting
	ConnectDirect
	ConnectWrongName
)

// AuthOutcome is the final PAKE verification result.
type AuthOutcome uint8

const (
	AuthDeny AuthOutcome = iota
	AuthAccept
)

// StreamName identifies one of the five reliable streams plus the one
// unordered stream multiplexed over a capture<->viewer connection.
type StreamName uint8

const (
	StreamRendezvous StreamName = iota
	StreamAuthentication
	StreamControl
	StreamImage
	StreamDepth
	StreamUnordered
)

// KeyframeInterval is the minimum time between scheduled keyframes absent
// an explicit request or a timestamp discontinuity.
const KeyframeInterval = time.Second

// BackReference sentinel values carried on a CompressedFrame.
const (
	BackRefKeyframe = 0
	BackRefPrior    = -1
)
