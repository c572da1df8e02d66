package timesync

import (
	"testing"
	"time"
)

func TestOffsetEstimatorTracksMinimum(t *testing.T) {
	e := NewOffsetEstimator()
	base := time.Now()

	cases := []struct {
		delta int64
		want  int64
	}{
		{5000, 5000},
		{8000, 5000}, // worse sample does not move the minimum
		{4000, 4000}, // better sample replaces it
		{9000, 4000},
		{9500, 4000},
	}

	for i, c := range cases {
		got := e.Observe(c.delta, base.Add(time.Duration(i)*time.Millisecond))
		if got != c.want {
			t.Fatalf("case %d: Observe(%d) = %d, want %d", i, c.delta, got, c.want)
		}
	}
}

func TestOffsetEstimatorExpiresOldSamples(t *testing.T) {
	e := NewOffsetEstimator()
	base := time.Now()

	e.Observe(1000, base)
	e.Observe(2000, base.Add(time.Second))

	got := e.Observe(1500, base.Add(window+time.Second))
	if got != 1500 {
		t.Fatalf("expected stale minimum to expire, got %d", got)
	}
}

func TestVideoTimestampCleanerDiscontinuity(t *testing.T) {
	c := NewVideoTimestampCleaner()

	out, disc := c.Clean(1_000_000, 2_000_000)
	if !disc {
		t.Fatal("first sample must be a discontinuity")
	}
	if out != 2_000_000 {
		t.Fatalf("first output = %d, want 2000000", out)
	}

	// Small device jump (<5ms) is itself a discontinuity.
	out, disc = c.Clean(1_000_002, 2_000_010)
	if !disc {
		t.Fatal("sub-5ms device diff must be flagged as discontinuity")
	}
	if out != 2_000_010 {
		t.Fatalf("discontinuity output = %d, want raw host time", out)
	}
}

func TestVideoTimestampCleanerClampsMismatch(t *testing.T) {
	c := NewVideoTimestampCleaner()
	c.Clean(0, 0)

	// device advances 33ms, host advances 20ms: mismatch = 13ms, clamp to 4ms.
	out, disc := c.Clean(33_000, 20_000)
	if disc {
		t.Fatal("normal frame spacing must not be a discontinuity")
	}
	if out != 20_000+mismatchClampUsec {
		t.Fatalf("out = %d, want %d", out, 20_000+mismatchClampUsec)
	}
}

func TestVideoTimestampCleanerMonotonic(t *testing.T) {
	c := NewVideoTimestampCleaner()
	last := int64(-1)
	device, system := int64(0), int64(0)
	for i := 0; i < 50; i++ {
		device += 33_000
		system += 33_000 + int64(i%3-1)*1000
		out, _ := c.Clean(device, system)
		if out <= last {
			t.Fatalf("iteration %d: output %d did not advance past %d", i, out, last)
		}
		last = out
	}
}
