package viewer

import (
	"log"
	"os"
	"testing"
	"time"
)

func testDejitterLogger() *log.Logger {
	return log.New(os.Stderr, "[dejitter-test] ", log.Ltime)
}

// manualClock lets a test advance the dejitter engine's notion of "now"
// deterministically instead of racing a real ticker.
type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestDejitterWaitsForTwoBatchLookahead(t *testing.T) {
	d := NewDejitter(testDejitterLogger())
	clock := &manualClock{t: time.Now()}
	d.now = clock.now

	d.Insert(1, 0, DecodedFrame{CameraIndex: 0})
	d.tick()
	select {
	case <-d.output:
		t.Fatal("must not release with only one queued batch (needs 2+ for lookahead)")
	default:
	}

	d.Insert(1, 33_000, DecodedFrame{CameraIndex: 0})
	clock.advance(time.Second)
	d.tick()
	select {
	case <-d.output:
	default:
		t.Fatal("expected a release once a second batch gives the engine lookahead")
	}
}

func TestDejitterMergesWithinWindow(t *testing.T) {
	d := NewDejitter(testDejitterLogger())
	clock := &manualClock{t: time.Now()}
	d.now = clock.now

	// Server A and B both produce batches close together (within the merge
	// window); a third, far-apart batch on B should not be merged in yet.
	d.Insert(1, 0, DecodedFrame{CameraIndex: 0})
	d.Insert(1, 33_000, DecodedFrame{CameraIndex: 0})
	d.Insert(2, 10_000, DecodedFrame{CameraIndex: 0})
	d.Insert(2, 43_000, DecodedFrame{CameraIndex: 0})

	clock.advance(time.Second)
	d.tick()

	select {
	case merged := <-d.output:
		if len(merged.Batches) != 2 {
			t.Fatalf("expected both servers merged together, got %d batches", len(merged.Batches))
		}
	default:
		t.Fatal("expected a merged release")
	}
}

func TestDejitterClearsStalledServerHistory(t *testing.T) {
	d := NewDejitter(testDejitterLogger())
	d.SetTargetQueueDepth(500_000)

	d.Insert(1, 0, DecodedFrame{CameraIndex: 0})
	// A jump far beyond 2x target queue depth must reset this server's queue.
	d.Insert(1, 2_000_000, DecodedFrame{CameraIndex: 0})

	d.mu.Lock()
	h, ok := d.histories[1]
	batches := 0
	if ok {
		batches = len(h.batches)
	}
	d.mu.Unlock()

	if batches != 1 {
		t.Fatalf("stalled history should have been cleared and restarted with 1 batch, got %d", batches)
	}
}

func TestDejitterDropsStaleFramesAfterRelease(t *testing.T) {
	d := NewDejitter(testDejitterLogger())
	clock := &manualClock{t: time.Now()}
	d.now = clock.now

	d.Insert(1, 0, DecodedFrame{CameraIndex: 0})
	d.Insert(1, 33_000, DecodedFrame{CameraIndex: 0})
	clock.advance(time.Second)
	d.tick()
	<-d.output

	d.mu.Lock()
	before := len(d.histories[1].batches)
	d.mu.Unlock()

	// A frame timestamped at or before what was just released (video_boot_usec
	// 0) must be dropped rather than re-queued.
	d.Insert(1, 0, DecodedFrame{CameraIndex: 0})

	d.mu.Lock()
	after := len(d.histories[1].batches)
	d.mu.Unlock()
	if after != before {
		t.Fatalf("stale frame should have been dropped: history had %d batches, now has %d", before, after)
	}
}
