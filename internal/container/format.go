// Package container implements the flat, typed-chunk recording file format
// (§4.7): a sequential stream written during capture and replayed, start to
// finish or looped, by the viewer's dejitter engine. It is not an
// index/seek format -- playback can only resume at a chunk whose Frame has
// back_reference==0.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// ChunkType identifies one of the five record kinds in the file.
type ChunkType uint32

const (
	ChunkCalibration ChunkType = iota
	ChunkExtrinsics
	ChunkVideoInfo
	ChunkBatchInfo
	ChunkFrame
)

// reemitInterval is how often the writer re-emits per-camera calibration,
// extrinsics, and video info even absent a detected change, so a reader
// that starts mid-file still converges quickly.
const reemitInterval = 30

// BatchInfoRecord is the per-batch header chunk.
type BatchInfoRecord struct {
	Identity       proto.CameraIdentity
	MaxCameraCount uint32
	VideoBootUsec  uint64 // relative to the first batch written to this file
	VideoEpochUsec uint64
}

func (r BatchInfoRecord) encode() []byte {
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, r.Identity.ServerGUID)
	binary.Write(&w, binary.LittleEndian, r.Identity.CameraIndex)
	binary.Write(&w, binary.LittleEndian, r.MaxCameraCount)
	binary.Write(&w, binary.LittleEndian, r.VideoBootUsec)
	binary.Write(&w, binary.LittleEndian, r.VideoEpochUsec)
	return w.Bytes()
}

func decodeBatchInfo(body []byte) (BatchInfoRecord, error) {
	r := bytes.NewReader(body)
	var rec BatchInfoRecord
	for _, f := range []any{&rec.Identity.ServerGUID, &rec.Identity.CameraIndex, &rec.MaxCameraCount, &rec.VideoBootUsec, &rec.VideoEpochUsec} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return rec, fmt.Errorf("container: decode batch_info: %w", err)
		}
	}
	return rec, nil
}

// FrameRecord is the per-image chunk, followed inline in the file by its
// image and depth bytes (not embedded in this struct, to avoid copying the
// payload through an intermediate buffer).
type FrameRecord struct {
	Identity      proto.CameraIdentity
	IsFinalFrame  bool
	FrameNumber   uint32
	BackReference int32
	ImageLen      uint32
	DepthLen      uint32
	Accel         [3]float32
	ExposureUsec  uint32
	AWBUsec       uint32
	ISO           uint32
	Brightness    float32
	Saturation    float32
}

func (r FrameRecord) encode() []byte {
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, r.Identity.ServerGUID)
	binary.Write(&w, binary.LittleEndian, r.Identity.CameraIndex)
	w.WriteByte(boolByte(r.IsFinalFrame))
	binary.Write(&w, binary.LittleEndian, r.FrameNumber)
	binary.Write(&w, binary.LittleEndian, r.BackReference)
	binary.Write(&w, binary.LittleEndian, r.ImageLen)
	binary.Write(&w, binary.LittleEndian, r.DepthLen)
	for _, a := range r.Accel {
		binary.Write(&w, binary.LittleEndian, a)
	}
	binary.Write(&w, binary.LittleEndian, r.ExposureUsec)
	binary.Write(&w, binary.LittleEndian, r.AWBUsec)
	binary.Write(&w, binary.LittleEndian, r.ISO)
	binary.Write(&w, binary.LittleEndian, r.Brightness)
	binary.Write(&w, binary.LittleEndian, r.Saturation)
	return w.Bytes()
}

func decodeFrameRecord(body []byte) (FrameRecord, error) {
	r := bytes.NewReader(body)
	var rec FrameRecord
	var final byte
	fields := []any{
		&rec.Identity.ServerGUID, &rec.Identity.CameraIndex, &final,
		&rec.FrameNumber, &rec.BackReference, &rec.ImageLen, &rec.DepthLen,
		&rec.Accel[0], &rec.Accel[1], &rec.Accel[2],
		&rec.ExposureUsec, &rec.AWBUsec, &rec.ISO, &rec.Brightness, &rec.Saturation,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return rec, fmt.Errorf("container: decode frame record: %w", err)
		}
	}
	rec.IsFinalFrame = final != 0
	return rec, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// chunkHeader is the {length, type} prefix common to every chunk.
type chunkHeader struct {
	Length uint32
	Type   ChunkType
}

func writeChunk(w io.Writer, typ ChunkType, body []byte) error {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint32(len(body)))
	binary.Write(&hdr, binary.LittleEndian, uint32(typ))
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readChunkHeader(r io.Reader) (chunkHeader, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return chunkHeader{}, err
	}
	return chunkHeader{
		Length: binary.LittleEndian.Uint32(raw[:4]),
		Type:   ChunkType(binary.LittleEndian.Uint32(raw[4:])),
	}, nil
}
