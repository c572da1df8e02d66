package capture

import "testing"

func newSyncedFrame(deviceIndex int, frameNumber uint32, syncUsec int64) *RawFrame {
	return &RawFrame{
		DeviceIndex:    deviceIndex,
		FrameNumber:    frameNumber,
		SyncSystemUsec: syncUsec,
	}
}

func TestMatcherWaitsForAllCameras(t *testing.T) {
	m := NewMatcher()
	h0 := m.RegisterCamera(0)
	m.RegisterCamera(1)

	f0 := newSyncedFrame(0, 1, 1_000_000)
	h0.Push(f0)

	if _, ok := m.TryMatch(f0); ok {
		t.Fatal("TryMatch should not pair without a candidate from camera 1")
	}
	if f0.Matched() {
		t.Fatal("frame must stay unmatched while waiting for other cameras")
	}
}

func TestMatcherPairsClosestWithinWindow(t *testing.T) {
	m := NewMatcher()
	h0 := m.RegisterCamera(0)
	h1 := m.RegisterCamera(1)

	far := newSyncedFrame(1, 1, 1_000_000+matchWindowUsec+5_000) // outside window
	near := newSyncedFrame(1, 2, 1_000_000+5_000)                // inside window
	h1.Push(far)
	h1.Push(near)

	incoming := newSyncedFrame(0, 1, 1_000_000)
	h0.Push(incoming)

	batch, ok := m.TryMatch(incoming)
	if !ok {
		t.Fatal("expected a match once a candidate from camera 1 is within the window")
	}
	if len(batch.Images) != 2 {
		t.Fatalf("batch has %d images, want 2", len(batch.Images))
	}
	if far.Matched() {
		t.Fatal("out-of-window frame must not be consumed by the match")
	}
	if !near.Matched() || !incoming.Matched() {
		t.Fatal("both paired frames must be marked matched")
	}
	if batch.SyncSystemUsec != incoming.SyncSystemUsec {
		t.Fatalf("batch sync time = %d, want earliest candidate %d", batch.SyncSystemUsec, incoming.SyncSystemUsec)
	}
}

func TestMatcherNeverDoubleMatchesAFrame(t *testing.T) {
	m := NewMatcher()
	h0 := m.RegisterCamera(0)
	h1 := m.RegisterCamera(1)

	shared := newSyncedFrame(1, 1, 1_000_000)
	h1.Push(shared)

	a := newSyncedFrame(0, 1, 1_000_000)
	b := newSyncedFrame(0, 2, 1_000_002)
	h0.Push(a)
	h0.Push(b)

	batch1, ok1 := m.TryMatch(a)
	if !ok1 {
		t.Fatal("first TryMatch should succeed")
	}
	batch2, ok2 := m.TryMatch(b)
	if ok2 {
		t.Fatalf("second TryMatch should fail, the only camera-1 candidate is already matched, got batch %+v", batch2)
	}
	if batch1.BatchNumber == 0 {
		t.Fatal("batch numbers start at 1")
	}
}

func TestMatcherBatchStageCountMatchesImages(t *testing.T) {
	m := NewMatcher()
	h0 := m.RegisterCamera(0)
	h1 := m.RegisterCamera(1)
	h2 := m.RegisterCamera(2)

	h1.Push(newSyncedFrame(1, 1, 1_000_000))
	h2.Push(newSyncedFrame(2, 1, 1_000_001))
	incoming := newSyncedFrame(0, 1, 1_000_000)
	h0.Push(incoming)

	batch, ok := m.TryMatch(incoming)
	if !ok {
		t.Fatal("expected a three-camera match")
	}
	if len(batch.Images) != 3 {
		t.Fatalf("batch has %d images, want 3", len(batch.Images))
	}

	var fired int
	batch.OnComplete(func(*Batch) { fired++ })
	for range batch.Images {
		for i := 0; i < stagesPerCamera; i++ {
			batch.StageDone()
		}
	}
	if fired != 1 {
		t.Fatalf("OnComplete fired %d times, want exactly 1", fired)
	}
}
