package container

import (
	"bytes"
	"io"
	"testing"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

type nopCloserBuffer struct {
	*bytes.Buffer
}

func (nopCloserBuffer) Close() error { return nil }

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nopCloserBuffer{&buf})

	id := proto.CameraIdentity{ServerGUID: 42, CameraIndex: 0}
	cam := CameraSnapshot{
		CameraIndex: 0,
		Identity:    id,
		Calibration: proto.Calibration{Identity: id},
		Extrinsics:  proto.Extrinsics{IsIdentity: true},
		VideoInfo:   proto.VideoInfo{VideoType: proto.VideoLossless, Width: 640, Height: 576, Framerate: 30, Bitrate: 4_000_000},
	}

	for i := 0; i < 3; i++ {
		img := BatchImage{
			Identity:      id,
			IsFinalFrame:  true,
			FrameNumber:   uint32(i),
			BackReference: proto.BackRefKeyframe,
			ImageBytes:    []byte("image-bytes"),
			DepthBytes:    []byte("depth-bytes"),
		}
		if err := w.WriteBatch(id, 1, uint64(i)*33_000, 0, []CameraSnapshot{cam}, []BatchImage{img}); err != nil {
			t.Fatalf("WriteBatch(%d): %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()), false)
	var batches, frames int
	var lastVideoUsec int64 = -1
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Batch != nil {
			batches++
			if ev.Batch.VideoBootUsec < lastVideoUsec {
				t.Fatalf("video_boot_usec went backwards: %d after %d", ev.Batch.VideoBootUsec, lastVideoUsec)
			}
			lastVideoUsec = ev.Batch.VideoBootUsec
		}
		if ev.Frame != nil {
			frames++
			if string(ev.Frame.ImageBytes) != "image-bytes" {
				t.Fatalf("image bytes corrupted: %q", ev.Frame.ImageBytes)
			}
		}
	}
	if batches != 3 {
		t.Fatalf("batches = %d, want 3", batches)
	}
	if frames != 3 {
		t.Fatalf("frames = %d, want 3", frames)
	}
	if got := r.Tables().VideoInfo[0].Width; got != 640 {
		t.Fatalf("video info width = %d, want 640", got)
	}
}

func TestReaderLoopMode(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nopCloserBuffer{&buf})
	id := proto.CameraIdentity{ServerGUID: 1, CameraIndex: 0}
	cam := CameraSnapshot{CameraIndex: 0, Identity: id}
	img := BatchImage{Identity: id, IsFinalFrame: true, ImageBytes: []byte("a"), DepthBytes: []byte("b")}
	if err := w.WriteBatch(id, 1, 0, 0, []CameraSnapshot{cam}, []BatchImage{img}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	w.Close()

	r := NewReader(bytes.NewReader(buf.Bytes()), true)
	seen := 0
	for i := 0; i < 5; i++ {
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Batch != nil {
			seen++
		}
	}
	if seen < 2 {
		t.Fatalf("loop mode should have wrapped at least once, saw %d batches in 5 reads", seen)
	}
}
