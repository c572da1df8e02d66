package capture

import "testing"

func newTestBatch(images int) *Batch {
	return &Batch{
		Images:          make([]*RawFrame, images),
		remainingStages: int32(images) * stagesPerCamera,
	}
}

func TestBatchOnCompleteFiresOnceAtZero(t *testing.T) {
	b := newTestBatch(2)
	var calls int
	b.OnComplete(func(*Batch) { calls++ })

	for i := 0; i < 4; i++ {
		b.StageDone()
	}
	if calls != 1 {
		t.Fatalf("OnComplete called %d times, want 1", calls)
	}

	// Further StageDone calls (there should be none in practice, but the
	// counter must never fire a second time even if one arrived) must not
	// re-trigger the callback.
	b.StageDone()
	if calls != 1 {
		t.Fatalf("OnComplete fired again after completion: calls = %d", calls)
	}
}

func TestBatchAbortSuppressesCompletion(t *testing.T) {
	b := newTestBatch(1)
	var calls int
	b.OnComplete(func(*Batch) { calls++ })

	b.Abort(true, false)
	if !b.IsAborted() {
		t.Fatal("IsAborted must be true after Abort")
	}
	if !b.PipelineError {
		t.Fatal("Abort(true, false) must set PipelineError")
	}

	for i := 0; i < stagesPerCamera; i++ {
		b.StageDone()
	}
	if calls != 0 {
		t.Fatalf("OnComplete fired %d times for an aborted batch, want 0", calls)
	}
}

func TestBatchSetCompressedIsPerSlot(t *testing.T) {
	b := newTestBatch(2)
	b.SetCompressed(0, &CompressedFrame{CameraIndex: 0, FrameNumber: 1})
	b.SetCompressed(1, &CompressedFrame{CameraIndex: 1, FrameNumber: 1})

	if b.Compressed[0].CameraIndex != 0 || b.Compressed[1].CameraIndex != 1 {
		t.Fatalf("compressed slots misassigned: %+v", b.Compressed)
	}
}
