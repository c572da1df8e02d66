package rendezvous

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[rendezvous-test] ", log.Ltime)
}

func TestRegisterAssignsDistinctSlots(t *testing.T) {
	s := NewServer(testLogger())
	ctx := context.Background()

	r1, err := s.Register(ctx, &RegisterRequest{Name: "studio-a", ServerGUID: 1, Address: "10.0.0.1:28772"})
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	r2, err := s.Register(ctx, &RegisterRequest{Name: "studio-b", ServerGUID: 2, Address: "10.0.0.2:28772"})
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if r1.TDMASlot == r2.TDMASlot {
		t.Fatalf("expected distinct slots, got %d and %d", r1.TDMASlot, r2.TDMASlot)
	}
}

func TestConnectNameNotFound(t *testing.T) {
	s := NewServer(testLogger())
	resp, err := s.ConnectName(context.Background(), &ConnectNameRequest{Name: "nonexistent"})
	if err != nil {
		t.Fatalf("ConnectName: %v", err)
	}
	if resp.Result != proto.ConnectNotFound {
		t.Fatalf("Result = %v, want ConnectNotFound", resp.Result)
	}
}

func TestConnectNameDirectAndIgnore(t *testing.T) {
	s := NewServer(testLogger())
	ctx := context.Background()
	if _, err := s.Register(ctx, &RegisterRequest{Name: "studio-a", ServerGUID: 7, Address: "10.0.0.1:28772"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := s.ConnectName(ctx, &ConnectNameRequest{Name: "studio-a"})
	if err != nil {
		t.Fatalf("ConnectName: %v", err)
	}
	if resp.Result != proto.ConnectDirect || resp.ServerGUID != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp2, err := s.ConnectName(ctx, &ConnectNameRequest{Name: "studio-a", IgnoreGUIDs: []uint64{7}})
	if err != nil {
		t.Fatalf("ConnectName with ignore: %v", err)
	}
	if resp2.Result != proto.ConnectNotReady {
		t.Fatalf("Result = %v, want ConnectNotReady when guid already ignored", resp2.Result)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &RegisterRequest{Name: "studio-a", ServerGUID: 99, Address: "10.0.0.9:28772"}
	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out RegisterRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != *req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, *req)
	}
}
