package rendezvous

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// dialKeepalive detects a dead rendezvous server quickly rather than
// waiting out a TCP timeout.
var dialKeepalive = keepalive.ClientParameters{
	Time:                10 * time.Second,
	Timeout:             5 * time.Second,
	PermitWithoutStream: true,
}

// Client talks to a rendezvous Server over gRPC using the hand-written JSON
// codec registered in codec.go.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a rendezvous server at endpoint ("host:port").
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(dialKeepalive),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Register announces a capture server to the registry.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Register", req, resp); err != nil {
		return nil, fmt.Errorf("rendezvous: Register: %w", err)
	}
	return resp, nil
}

// ConnectName looks up a capture server by the name a viewer was given.
func (c *Client) ConnectName(ctx context.Context, req *ConnectNameRequest) (*ConnectNameResponse, error) {
	resp := new(ConnectNameResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ConnectName", req, resp); err != nil {
		return nil, fmt.Errorf("rendezvous: ConnectName: %w", err)
	}
	return resp, nil
}
