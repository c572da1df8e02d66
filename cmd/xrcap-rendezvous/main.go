package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/orbo-rgbd/xrcap/internal/proto"
	"github.com/orbo-rgbd/xrcap/internal/rendezvous"
)

// serverKeepalive mirrors the client-side keepalive in rendezvous/client.go
// so either end notices a dead peer well before a TCP-level timeout would.
var serverKeepalive = keepalive.ServerParameters{
	Time:    10 * time.Second,
	Timeout: 5 * time.Second,
}

func main() {
	var (
		listenF = flag.String("listen", fmt.Sprintf(":%d", proto.RendezvousListenPort), "address to listen on for capture-server and viewer rendezvous RPCs")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[xrcap-rendezvous] ", log.Ltime)

	lis, err := net.Listen("tcp", *listenF)
	if err != nil {
		logger.Fatalf("listen on %s: %v", *listenF, err)
	}

	grpcServer := grpc.NewServer(grpc.KeepaliveParams(serverKeepalive))
	rendezvous.RegisterRendezvousServer(grpcServer, rendezvous.NewServer(logger))

	errc := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", *listenF)
		errc <- grpcServer.Serve(lis)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			logger.Fatalf("serve: %v", err)
		}
	case s := <-sig:
		logger.Printf("received %v, shutting down", s)
		grpcServer.GracefulStop()
	}
	logger.Println("exited")
}
