package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/orbo-rgbd/xrcap/internal/auth"
	"github.com/orbo-rgbd/xrcap/internal/capture"
	"github.com/orbo-rgbd/xrcap/internal/proto"
	"github.com/orbo-rgbd/xrcap/internal/registry"
	"github.com/orbo-rgbd/xrcap/internal/rendezvous"
	"github.com/orbo-rgbd/xrcap/internal/status"
	"github.com/orbo-rgbd/xrcap/internal/transport"
)

func main() {
	var (
		nameF       = flag.String("name", "studio-a", "server name advertised to rendezvous and used in the PAKE transcript")
		listenF     = flag.String("listen", fmt.Sprintf(":%d", proto.DirectListenPort), "address viewers connect to")
		statusAddrF = flag.String("status-addr", ":8090", "address for the local websocket status/admin feed")
		rendezvousF = flag.String("rendezvous", "", "rendezvous server address (host:port); skipped if empty")
		camerasF    = flag.Int("cameras", 2, "number of simulated cameras to register")
		dbgF        = flag.Bool("debug", false, "verbose per-connection logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[xrcap-capture] ", log.Ltime)

	password := os.Getenv("XRCAP_PASSWORD")
	if password == "" {
		logger.Fatal("XRCAP_PASSWORD must be set")
	}

	dataDir := os.Getenv("XRCAP_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/xrcap"
	}
	dbPath := os.Getenv("XRCAP_DATABASE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "xrcap-capture.db")
	}

	reg, err := registry.New(dbPath)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	logger.Printf("registry opened at %s", dbPath)

	cfg := capture.NewRuntimeConfig()
	cfg.SetMode(proto.ModeCaptureHighQ)
	cfg.SetCompression(proto.CompressionSettings{
		ColorBitrate: 4_000_000,
		ColorQuality: 80,
		ColorVideo:   proto.VideoH264,
		DepthVideo:   proto.VideoLossless,
	})

	guid := capture.NewServerGUID()
	srv := capture.NewServer(guid, cfg, logger)

	for i := 0; i < *camerasF; i++ {
		driver := newSimCameraDriver(i)
		srv.RegisterCamera(driver, simMesher{}, simDepthCodec{}, simJPEGDecoder{}, simEncoder{})

		identity := proto.CameraIdentity{ServerGUID: guid, CameraIndex: uint32(i)}
		if cal, ok, err := reg.GetCalibration(identity); err != nil {
			logger.Printf("camera %d: load calibration: %v", i, err)
		} else if ok {
			srv.SetCalibration(uint32(i), cal)
		} else {
			cal := proto.Calibration{Identity: identity}
			srv.SetCalibration(uint32(i), cal)
			if err := reg.SaveCalibration(identity, cal); err != nil {
				logger.Printf("camera %d: save default calibration: %v", i, err)
			}
		}
	}
	srv.UpdateVideoInfo(proto.VideoInfo{VideoType: proto.VideoH264, Width: simWidth, Height: simHeight, Framerate: simFramerate, Bitrate: 4_000_000})

	hub := status.NewHub(logger)
	statusMux := http.NewServeMux()
	statusMux.Handle("/ws", status.NewHandler(hub, logger))
	statusMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	statusServer := &http.Server{Addr: *statusAddrF, Handler: statusMux}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Printf("status feed listening on %s", *statusAddrF)
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("status server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStatusBroadcast(ctx, srv, hub, logger)
	}()

	if *rendezvousF != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registerWithRendezvous(ctx, *rendezvousF, *nameF, guid, *listenF, logger)
		}()
	}

	srv.Start()
	logger.Printf("capture server %d (%s) started with %d camera(s)", guid, *nameF, *camerasF)

	lis, err := net.Listen("tcp", *listenF)
	if err != nil {
		logger.Fatalf("listen on %s: %v", *listenF, err)
	}

	app := &captureApp{
		log:      logger,
		name:     *nameF,
		password: password,
		server:   srv,
		tickets:  auth.NewTicketManager(),
		debug:    *dbgF,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.acceptLoop(ctx, lis)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Printf("received %v, shutting down", s)

	cancel()
	lis.Close()
	statusServer.Close()
	srv.Stop()
	wg.Wait()
	logger.Println("exited")
}

func runStatusBroadcast(ctx context.Context, srv *capture.Server, hub *status.Hub, logger *log.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := srv.Status()
			hub.BroadcastStatus(status.Snapshot{
				Mode:          s.Mode,
				CaptureStatus: s.CaptureStatus,
				CameraCount:   int(s.CameraCount),
				CameraStatus:  s.CameraStatus[:s.CameraCount],
			})

			for i := 0; i < int(s.CameraCount); i++ {
				y, w, h, ok := srv.SampleThumbnail(i)
				if !ok {
					continue
				}
				jpegBytes, err := status.NV12Thumbnail(y, w, h)
				if err != nil {
					logger.Printf("camera %d: thumbnail encode: %v", i, err)
					continue
				}
				hub.BroadcastThumbnail(status.ThumbnailUpdate{CameraIndex: i, JPEGBytes: jpegBytes})
			}
		}
	}
}

func registerWithRendezvous(ctx context.Context, addr, name string, guid uint64, listenAddr string, logger *log.Logger) {
	client, err := rendezvous.Dial(ctx, addr)
	if err != nil {
		logger.Printf("rendezvous: dial %s: %v", addr, err)
		return
	}
	defer client.Close()

	resp, err := client.Register(ctx, &rendezvous.RegisterRequest{Name: name, ServerGUID: guid, Address: listenAddr})
	if err != nil {
		logger.Printf("rendezvous: register: %v", err)
		return
	}
	logger.Printf("rendezvous: registered as %q, TDMA slot %d", name, resp.TDMASlot)
}

// captureApp owns the raw TCP accept loop: the SPAKE2-EE handshake, the
// per-connection AEAD framing, and the translation between wire control
// messages and capture.Server/RuntimeConfig calls. None of this lives in
// internal/transport itself, so that package stays free of net.Conn and the
// concrete message catalog.
type captureApp struct {
	log      *log.Logger
	name     string
	password string
	server   *capture.Server
	tickets  *auth.TicketManager
	debug    bool
}

func (a *captureApp) acceptLoop(ctx context.Context, lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				a.log.Printf("accept: %v", err)
				continue
			}
		}
		go a.handleConn(conn)
	}
}

func (a *captureApp) handleConn(conn net.Conn) {
	defer conn.Close()

	sh, err := transport.NewServerHandshake(a.name, a.password)
	if err != nil {
		a.log.Printf("%s: new handshake: %v", conn.RemoteAddr(), err)
		return
	}
	if err := transport.WriteFrame(conn, sh.PublicData()); err != nil {
		a.log.Printf("%s: write public_data: %v", conn.RemoteAddr(), err)
		return
	}
	resp1, err := transport.ReadFrame(conn)
	if err != nil {
		a.log.Printf("%s: read response1: %v", conn.RemoteAddr(), err)
		return
	}
	if err := sh.ConsumeResponse1(resp1); err != nil {
		a.log.Printf("%s: response1: %v", conn.RemoteAddr(), err)
		return
	}
	if err := transport.WriteFrame(conn, sh.Response2AndProof()); err != nil {
		a.log.Printf("%s: write response2: %v", conn.RemoteAddr(), err)
		return
	}
	resp3, err := transport.ReadFrame(conn)
	if err != nil {
		a.log.Printf("%s: read response3: %v", conn.RemoteAddr(), err)
		return
	}
	if err := sh.VerifyResponse3(resp3); err != nil {
		a.log.Printf("%s: auth failed: %v", conn.RemoteAddr(), err)
		return
	}

	clientSK, serverSK := sh.Keys()
	guid := randomGUID()
	vconn, err := transport.NewViewerConnection(guid, clientSK, serverSK, a.log)
	if err != nil {
		a.log.Printf("%s: new connection: %v", conn.RemoteAddr(), err)
		return
	}

	if ticket, expiresAt, err := a.tickets.Issue(a.server.GUID, guid); err != nil {
		a.log.Printf("%s: issue ticket: %v", conn.RemoteAddr(), err)
	} else if err := transport.WriteFrame(conn, []byte(ticket)); err != nil {
		a.log.Printf("%s: write ticket: %v", conn.RemoteAddr(), err)
		return
	} else if a.debug {
		a.log.Printf("%s: issued reconnect ticket valid until %s", conn.RemoteAddr(), expiresAt.Format(time.RFC3339))
	}

	a.server.AddConnection(guid, vconn)
	defer a.server.RemoveConnection(guid)
	a.log.Printf("%s: viewer %d authenticated", conn.RemoteAddr(), guid)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.sendLoop(conn, vconn)
	}()
	a.recvLoop(conn, vconn)
	vconn.Close()
	<-done
}

// resyncState is a sendLoop-local shadow of what full state this connection
// has actually had pushed onto the wire, kept independent of
// ViewerConnection's own NeedsResync/MarkDelivered bookkeeping (which
// Server.broadcast updates but which does not drive wire delivery).
// The first tick always pushes everything once, covering a fresh connect.
type resyncState struct {
	captureConfigEpoch uint32
	extrinsicsEpoch    uint32
	videoInfoEpoch     uint32
	initialized        bool
}

func (a *captureApp) sendLoop(conn net.Conn, vconn *transport.ViewerConnection) {
	var rs resyncState

	batchTicker := time.NewTicker(5 * time.Millisecond)
	defer batchTicker.Stop()
	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	for {
		if vconn.Closed() {
			return
		}

		select {
		case <-statusTicker.C:
			if err := a.sendControl(conn, vconn, a.server.Status().Encode()); err != nil {
				a.log.Printf("%s: send status: %v", conn.RemoteAddr(), err)
				return
			}
		case <-batchTicker.C:
			if err := a.pushResyncIfNeeded(conn, vconn, &rs); err != nil {
				a.log.Printf("%s: resync push: %v", conn.RemoteAddr(), err)
				return
			}
			b, ok := vconn.Drain()
			if !ok {
				continue
			}
			ob, ok := b.(*capture.OutboundBatch)
			if !ok {
				continue
			}
			if err := a.sendBatch(conn, vconn, ob); err != nil {
				a.log.Printf("%s: send batch: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// pushResyncIfNeeded pushes fresh Calibration/Extrinsics/VideoInfo content
// whenever the server's corresponding RuntimeConfig epoch has moved past
// what this connection last received (§4.4 "Epoch-driven resync"). The
// first call always fires every branch, since a freshly-accepted connection
// has seen none of it yet.
func (a *captureApp) pushResyncIfNeeded(conn net.Conn, vconn *transport.ViewerConnection, rs *resyncState) error {
	cfg := a.server.Config()
	captureEpoch := cfg.CaptureConfigEpoch.Load()
	extrinsicsEpoch := cfg.ExtrinsicsEpoch.Load()
	_, videoEpoch := a.server.CurrentVideoInfo()

	needConfig := !rs.initialized || captureEpoch != rs.captureConfigEpoch
	needExtrinsics := !rs.initialized || extrinsicsEpoch != rs.extrinsicsEpoch
	needVideoInfo := !rs.initialized || videoEpoch != rs.videoInfoEpoch

	if needConfig {
		for i := 0; i < a.server.CameraCount(); i++ {
			msg := proto.MessageCalibration{CameraIndex: uint32(i), Calibration: a.server.GetCalibration(uint32(i))}
			if err := a.sendControl(conn, vconn, msg.Encode()); err != nil {
				return fmt.Errorf("calibration camera %d: %w", i, err)
			}
		}
	}
	if needExtrinsics {
		for i, e := range cfg.AllExtrinsics(a.server.CameraCount()) {
			msg := proto.MessageExtrinsics{CameraIndex: uint32(i), Extrinsics: e}
			if err := a.sendControl(conn, vconn, msg.Encode()); err != nil {
				return fmt.Errorf("extrinsics camera %d: %w", i, err)
			}
		}
	}
	if needVideoInfo {
		info, _ := a.server.CurrentVideoInfo()
		msg := proto.MessageVideoInfo{Info: info}
		if err := a.sendControl(conn, vconn, msg.Encode()); err != nil {
			return fmt.Errorf("video_info: %w", err)
		}
	}

	rs.captureConfigEpoch = captureEpoch
	rs.extrinsicsEpoch = extrinsicsEpoch
	rs.videoInfoEpoch = videoEpoch
	rs.initialized = true
	return nil
}

func (a *captureApp) sendControl(conn net.Conn, vconn *transport.ViewerConnection, payload []byte) error {
	return transport.WriteFrame(conn, vconn.ClientFramer().SealEnvelope(byte(proto.StreamControl), payload))
}

func (a *captureApp) sendBatch(conn net.Conn, vconn *transport.ViewerConnection, ob *capture.OutboundBatch) error {
	info := proto.MessageBatchInfo{CameraCount: uint32(ob.CameraCount), VideoBootUsec: ob.VideoBootUsec}
	if err := a.sendControl(conn, vconn, info.Encode()); err != nil {
		return fmt.Errorf("batch_info: %w", err)
	}

	for _, cf := range ob.Images {
		if cf == nil {
			continue
		}
		hdr := proto.MessageFrameHeader{
			FrameNumber:   cf.FrameNumber,
			BackReference: cf.BackReference,
			IsFinalFrame:  cf.IsFinalFrame,
			CameraIndex:   cf.CameraIndex,
			Accel:         cf.Accel,
			ImageBytes:    uint32(len(cf.ImageBytes)),
			DepthBytes:    uint32(len(cf.DepthBytes)),
			ExposureUsec:  cf.ExposureUsec,
			AWBUsec:       cf.AWBUsec,
			ISO:           cf.ISO,
			Brightness:    cf.Brightness,
			Saturation:    cf.Saturation,
		}
		if err := a.sendControl(conn, vconn, hdr.Encode()); err != nil {
			return fmt.Errorf("frame_header camera %d: %w", cf.CameraIndex, err)
		}
		if len(cf.ImageBytes) > 0 {
			if err := transport.WriteFrame(conn, vconn.ClientFramer().SealEnvelope(byte(proto.StreamImage), cf.ImageBytes)); err != nil {
				return fmt.Errorf("image camera %d: %w", cf.CameraIndex, err)
			}
		}
		if len(cf.DepthBytes) > 0 {
			if err := transport.WriteFrame(conn, vconn.ClientFramer().SealEnvelope(byte(proto.StreamDepth), cf.DepthBytes)); err != nil {
				return fmt.Errorf("depth camera %d: %w", cf.CameraIndex, err)
			}
		}
	}
	return nil
}

func (a *captureApp) recvLoop(conn net.Conn, vconn *transport.ViewerConnection) {
	for {
		envelope, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		stream, payload, err := vconn.ServerFramer().OpenEnvelope(envelope)
		if err != nil {
			a.log.Printf("%s: decrypt: %v", conn.RemoteAddr(), err)
			return
		}
		if proto.StreamName(stream) != proto.StreamControl {
			continue
		}
		if err := a.applyControlMessage(payload); err != nil {
			a.log.Printf("%s: control message: %v", conn.RemoteAddr(), err)
		}
	}
}

func (a *captureApp) applyControlMessage(payload []byte) error {
	msgType, err := proto.PeekType(payload)
	if err != nil {
		return err
	}
	cfg := a.server.Config()

	switch msgType {
	case proto.MsgSetCompression:
		m, err := proto.DecodeMessageSetCompression(payload[1:])
		if err != nil {
			return err
		}
		cfg.SetCompression(m.Settings)
	case proto.MsgSetExposure:
		m, err := proto.DecodeMessageSetExposure(payload[1:])
		if err != nil {
			return err
		}
		cfg.SetExposure(capture.Exposure{AutoEnabled: m.AutoEnabled, ExposureUsec: m.ExposureUsec, AWBUsec: m.AWBUsec})
	case proto.MsgSetClip:
		m, err := proto.DecodeMessageSetClip(payload[1:])
		if err != nil {
			return err
		}
		cfg.SetClip(capture.ClipRegion{Enabled: m.Enabled, RadiusM: m.RadiusM, FloorM: m.FloorM, CeilingM: m.CeilingM})
	case proto.MsgSetLighting:
		m, err := proto.DecodeMessageSetLighting(payload[1:])
		if err != nil {
			return err
		}
		cfg.SetLighting(int(m.CameraIndex), capture.Lighting{Brightness: m.Brightness, Saturation: m.Saturation})
	case proto.MsgRequestKeyframe:
		cfg.RequestKeyframe()
	default:
		a.log.Printf("ignoring unexpected control message type %d from viewer", msgType)
	}
	return nil
}

func randomGUID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
