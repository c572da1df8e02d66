package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/orbo-rgbd/xrcap/internal/proto"
	"github.com/orbo-rgbd/xrcap/internal/registry"
	"github.com/orbo-rgbd/xrcap/internal/rendezvous"
	"github.com/orbo-rgbd/xrcap/internal/transport"
	"github.com/orbo-rgbd/xrcap/internal/viewer"
)

func main() {
	var (
		addrF       = flag.String("addr", "", "capture server address (host:port); looked up via -rendezvous/-server-name if empty")
		rendezvousF = flag.String("rendezvous", "", "rendezvous server address (host:port)")
		serverNameF = flag.String("server-name", "studio-a", "capture server name, used for the PAKE transcript and rendezvous lookup")
		playbackF   = flag.String("playback", "", "play back a recorded container file instead of connecting live")
		loopF       = flag.Bool("loop", false, "loop playback at end of file")
		dbgF        = flag.Bool("debug", false, "verbose per-frame logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[xrcap-viewer] ", log.Ltime)

	if *playbackF != "" {
		if err := runPlayback(logger, *playbackF, *loopF); err != nil {
			logger.Fatalf("playback: %v", err)
		}
		return
	}

	password := os.Getenv("XRCAP_PASSWORD")
	if password == "" {
		logger.Fatal("XRCAP_PASSWORD must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := *addrF
	if addr == "" {
		if *rendezvousF == "" {
			logger.Fatal("either -addr or -rendezvous/-server-name must be given")
		}
		resolved, err := resolveViaRendezvous(ctx, *rendezvousF, *serverNameF, logger)
		if err != nil {
			logger.Fatalf("rendezvous lookup: %v", err)
		}
		addr = resolved
	}

	dataDir := os.Getenv("XRCAP_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/xrcap"
	}
	dbPath := os.Getenv("XRCAP_VIEWER_DATABASE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "xrcap-viewer.db")
	}
	reg, err := registry.New(dbPath)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	client := viewer.NewClient(logger)
	defer client.Shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	sendFramer, recvFramer, err := clientHandshake(conn, *serverNameF, password)
	if err != nil {
		logger.Fatalf("handshake with %s: %v", addr, err)
	}
	logger.Printf("connected to %s, authenticated", addr)

	app := &viewerApp{
		log:           logger,
		client:        client,
		serverName:    *serverNameF,
		sendFramer:    sendFramer,
		recvFramer:    recvFramer,
		conn:          conn,
		registry:      reg,
		calibration:   make(map[uint32]proto.Calibration),
		extrinsics:    make(map[uint32]proto.Extrinsics),
		decoders:      make(map[uint32]*viewer.CameraDecoder),
		depthDecoders: make(map[uint32]*simDepthDecoder),
		debug:         *dbgF,
	}

	// Ask for a keyframe up front so the first pictures this viewer sees are
	// independently decodable, rather than waiting out up to KeyframeInterval.
	// request_keyframe has no body: the type tag alone is the whole message.
	if err := app.sendControl([]byte{byte(proto.MsgRequestKeyframe)}); err != nil {
		logger.Printf("request_keyframe: %v", err)
	}

	go renderLoop(ctx, client, logger, *dbgF)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Println("shutting down")
		cancel()
		conn.Close()
	}()

	app.recvLoop()
	if app.recorder != nil {
		app.recorder.Close()
	}
	logger.Println("connection closed")
}

// resolveViaRendezvous looks up a capture server by name and returns the
// address a viewer should dial directly.
func resolveViaRendezvous(ctx context.Context, addr, name string, logger *log.Logger) (string, error) {
	client, err := rendezvous.Dial(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	resp, err := client.ConnectName(ctx, &rendezvous.ConnectNameRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("connect_name: %w", err)
	}
	switch resp.Result {
	case proto.ConnectDirect:
		logger.Printf("rendezvous: %q is server %d at %s (TDMA slot %d)", name, resp.ServerGUID, resp.Address, resp.TDMASlot)
		return resp.Address, nil
	case proto.ConnectNotFound:
		return "", fmt.Errorf("server %q not registered", name)
	case proto.ConnectNotReady, proto.ConnectConnecting:
		return "", fmt.Errorf("server %q not ready yet", name)
	default:
		return "", fmt.Errorf("connect_name returned %v", resp.Result)
	}
}

// clientHandshake runs the viewer side of the SPAKE2-EE exchange over conn
// and returns the two directional framers: sendFramer encrypts traffic this
// process sends, recvFramer decrypts traffic it receives.
func clientHandshake(conn net.Conn, serverName, password string) (sendFramer, recvFramer *transport.Framer, err error) {
	ch, err := transport.NewClientHandshake(serverName, password)
	if err != nil {
		return nil, nil, fmt.Errorf("new handshake: %w", err)
	}

	publicData, err := transport.ReadFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("read public_data: %w", err)
	}
	resp1, err := ch.ConsumeServerHello(publicData)
	if err != nil {
		return nil, nil, fmt.Errorf("consume server_hello: %w", err)
	}
	if err := transport.WriteFrame(conn, resp1); err != nil {
		return nil, nil, fmt.Errorf("write response1: %w", err)
	}

	resp2, err := transport.ReadFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("read response2: %w", err)
	}
	if err := ch.VerifyServerProof(resp2); err != nil {
		return nil, nil, fmt.Errorf("verify server_proof: %w", err)
	}
	if err := transport.WriteFrame(conn, ch.Response3()); err != nil {
		return nil, nil, fmt.Errorf("write response3: %w", err)
	}

	// The server follows Response3 with a reconnect ticket this viewer does
	// not persist; drain it so the stream stays framed correctly.
	if _, err := transport.ReadFrame(conn); err != nil {
		return nil, nil, fmt.Errorf("read reconnect ticket: %w", err)
	}

	clientSK, serverSK := ch.Keys()
	sendFramer, err = transport.NewFramer(clientSK)
	if err != nil {
		return nil, nil, fmt.Errorf("build send framer: %w", err)
	}
	recvFramer, err = transport.NewFramer(serverSK)
	if err != nil {
		return nil, nil, fmt.Errorf("build recv framer: %w", err)
	}
	return sendFramer, recvFramer, nil
}

// renderLoop stands in for the real renderer (§1 Non-goals): it drains
// merged, dejittered output and logs what would otherwise be handed to a
// compositor.
func renderLoop(ctx context.Context, client *viewer.Client, logger *log.Logger, debug bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case merged, ok := <-client.Dejitter().Output():
			if !ok {
				return
			}
			if !debug {
				continue
			}
			for _, b := range merged.Batches {
				logger.Printf("render: server %d video_boot_usec=%d frames=%d", b.ServerGUID, b.VideoBootUsec, len(b.Frames))
			}
		}
	}
}
