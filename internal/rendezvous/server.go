package rendezvous

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// maxTDMASlots bounds the number of capture servers that can share the
// rendezvous-assigned time-division schedule without colliding.
const maxTDMASlots = proto.MaxCameras

type registeredServer struct {
	guid    uint64
	address string
	slot    int
}

// Server is the name/TDMA-slot registry. One instance backs the whole
// rendezvous deployment; it is safe for concurrent RPC handling.
type Server struct {
	log *log.Logger

	mu         sync.Mutex
	byName     map[string]*registeredServer
	usedSlots  map[int]bool
}

// NewServer returns an empty registry.
func NewServer(logger *log.Logger) *Server {
	return &Server{
		log:       logger,
		byName:    make(map[string]*registeredServer),
		usedSlots: make(map[int]bool),
	}
}

// Register implements RendezvousServer.
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[req.Name]; ok {
		existing.guid = req.ServerGUID
		existing.address = req.Address
		s.log.Printf("rendezvous: re-registered %q (guid %d) at slot %d", req.Name, req.ServerGUID, existing.slot)
		return &RegisterResponse{TDMASlot: existing.slot}, nil
	}

	slot, err := s.allocateSlot()
	if err != nil {
		return nil, err
	}
	s.byName[req.Name] = &registeredServer{guid: req.ServerGUID, address: req.Address, slot: slot}
	s.usedSlots[slot] = true
	s.log.Printf("rendezvous: registered %q (guid %d) at slot %d", req.Name, req.ServerGUID, slot)
	return &RegisterResponse{TDMASlot: slot}, nil
}

// ConnectName implements RendezvousServer.
func (s *Server) ConnectName(ctx context.Context, req *ConnectNameRequest) (*ConnectNameResponse, error) {
	s.mu.Lock()
	entry, ok := s.byName[req.Name]
	s.mu.Unlock()

	if !ok {
		return &ConnectNameResponse{Result: proto.ConnectNotFound}, nil
	}
	for _, ignored := range req.IgnoreGUIDs {
		if ignored == entry.guid {
			return &ConnectNameResponse{Result: proto.ConnectNotReady}, nil
		}
	}
	return &ConnectNameResponse{
		Result:     proto.ConnectDirect,
		ServerGUID: entry.guid,
		Address:    entry.address,
		TDMASlot:   entry.slot,
	}, nil
}

func (s *Server) allocateSlot() (int, error) {
	for slot := 0; slot < maxTDMASlots; slot++ {
		if !s.usedSlots[slot] {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("rendezvous: no free TDMA slot (max %d)", maxTDMASlots)
}
