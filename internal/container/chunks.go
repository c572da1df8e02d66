package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// encodeCalibrationChunk reuses proto's on-wire calibration encoding, minus
// its leading message-type tag: the chunk type already disambiguates it.
func encodeCalibrationChunk(identity proto.CameraIdentity, c proto.Calibration) []byte {
	c.Identity = identity
	full := proto.MessageCalibration{CameraIndex: identity.CameraIndex, Calibration: c}.Encode()
	return full[1:]
}

func decodeCalibrationChunk(body []byte) (proto.CameraIdentity, proto.Calibration, error) {
	m, err := proto.DecodeMessageCalibration(body)
	if err != nil {
		return proto.CameraIdentity{}, proto.Calibration{}, fmt.Errorf("container: decode calibration chunk: %w", err)
	}
	return m.Calibration.Identity, m.Calibration, nil
}

// encodeExtrinsicsChunk carries CameraIdentity directly, unlike the
// control-stream MessageExtrinsics (which relies on the connection already
// being scoped to one server).
func encodeExtrinsicsChunk(identity proto.CameraIdentity, e proto.Extrinsics) []byte {
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, identity.ServerGUID)
	binary.Write(&w, binary.LittleEndian, identity.CameraIndex)
	isIdentity := boolByte(e.IsIdentity)
	w.WriteByte(isIdentity)
	binary.Write(&w, binary.LittleEndian, e.Transform)
	return w.Bytes()
}

func decodeExtrinsicsChunk(body []byte) (proto.CameraIdentity, proto.Extrinsics, error) {
	r := bytes.NewReader(body)
	var id proto.CameraIdentity
	var e proto.Extrinsics
	var isIdentity byte
	if err := binary.Read(r, binary.LittleEndian, &id.ServerGUID); err != nil {
		return id, e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &id.CameraIndex); err != nil {
		return id, e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &isIdentity); err != nil {
		return id, e, err
	}
	e.IsIdentity = isIdentity != 0
	if err := binary.Read(r, binary.LittleEndian, &e.Transform); err != nil {
		return id, e, err
	}
	return id, e, nil
}

// encodeVideoInfoChunk carries CameraIdentity plus the same fields as the
// control-stream VideoInfo payload.
func encodeVideoInfoChunk(identity proto.CameraIdentity, v proto.VideoInfo) []byte {
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, identity.ServerGUID)
	binary.Write(&w, binary.LittleEndian, identity.CameraIndex)
	w.WriteByte(byte(v.VideoType))
	binary.Write(&w, binary.LittleEndian, v.Width)
	binary.Write(&w, binary.LittleEndian, v.Height)
	binary.Write(&w, binary.LittleEndian, v.Framerate)
	binary.Write(&w, binary.LittleEndian, v.Bitrate)
	return w.Bytes()
}

func decodeVideoInfoChunk(body []byte) (proto.CameraIdentity, proto.VideoInfo, error) {
	r := bytes.NewReader(body)
	var id proto.CameraIdentity
	var v proto.VideoInfo
	var vt byte
	if err := binary.Read(r, binary.LittleEndian, &id.ServerGUID); err != nil {
		return id, v, err
	}
	if err := binary.Read(r, binary.LittleEndian, &id.CameraIndex); err != nil {
		return id, v, err
	}
	if err := binary.Read(r, binary.LittleEndian, &vt); err != nil {
		return id, v, err
	}
	v.VideoType = proto.VideoType(vt)
	for _, f := range []any{&v.Width, &v.Height, &v.Framerate, &v.Bitrate} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return id, v, err
		}
	}
	return id, v, nil
}
