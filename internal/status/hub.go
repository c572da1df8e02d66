// Package status broadcasts the capture server's current CaptureStatus and
// per-camera CameraStatus, plus a downsampled thumbnail per camera, to any
// locally-attached dashboards over a websocket feed. Nothing in here is on
// the authenticated viewer wire protocol; it is a diagnostics side channel.
package status

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbo-rgbd/xrcap/internal/proto"
)

// Snapshot is one status-feed update; cmd/xrcap-capture broadcasts one every
// second.
type Snapshot struct {
	Mode          proto.Mode           `json:"mode"`
	CaptureStatus proto.CaptureStatus  `json:"capture_status"`
	CameraCount   int                  `json:"camera_count"`
	CameraStatus  []proto.CameraStatus `json:"camera_status"`
}

// ThumbnailUpdate carries a downsampled still for one camera.
type ThumbnailUpdate struct {
	CameraIndex int    `json:"camera_index"`
	JPEGBytes   []byte `json:"jpeg_bytes"`
}

// Hub fans status and thumbnail updates out to every attached dashboard
// connection. Modeled on a single shared-subscriber broadcast hub; unlike a
// per-camera hub there is only one logical topic here (the whole server).
type Hub struct {
	log     *log.Logger
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewHub returns an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{log: logger, clients: make(map[*websocket.Conn]bool)}
}

// Register adds a dashboard connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

// Unregister removes a dashboard connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// ClientCount returns the number of attached dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastStatus sends a Snapshot to every attached dashboard.
func (h *Hub) BroadcastStatus(s Snapshot) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Snapshot
	}{Type: "status", Snapshot: s})
	if err != nil {
		h.log.Printf("marshal snapshot: %v", err)
		return
	}
	h.broadcast(data)
}

// BroadcastThumbnail sends a per-camera thumbnail update.
func (h *Hub) BroadcastThumbnail(t ThumbnailUpdate) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		ThumbnailUpdate
	}{Type: "thumbnail", ThumbnailUpdate: t})
	if err != nil {
		h.log.Printf("marshal thumbnail: %v", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Printf("write failed, dropping dashboard client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}
