package rendezvous

import "github.com/orbo-rgbd/xrcap/internal/proto"

// RegisterRequest is sent by a capture server announcing itself by name.
type RegisterRequest struct {
	Name       string `json:"name"`
	ServerGUID uint64 `json:"server_guid"`
	Address    string `json:"address"` // host:port the viewer can dial directly
}

// RegisterResponse acknowledges a registration and assigns a TDMA slot.
type RegisterResponse struct {
	TDMASlot int `json:"tdma_slot"`
}

// ConnectNameRequest is a viewer's lookup-by-name, with any server GUIDs it
// already holds a connection to (so the registry doesn't hand back a
// duplicate).
type ConnectNameRequest struct {
	Name        string   `json:"name"`
	IgnoreGUIDs []uint64 `json:"ignore_guids"`
}

// ConnectNameResponse answers a lookup. Result mirrors proto.ConnectResult.
type ConnectNameResponse struct {
	Result     proto.ConnectResult `json:"result"`
	ServerGUID uint64               `json:"server_guid"`
	Address    string               `json:"address"`
	TDMASlot   int                  `json:"tdma_slot"`
}
