package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Client speaks the framed protocol over one TCP connection. It remembers the
// token from a successful sign in and attaches it to later requests.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	token string
}

func Dial(ctx context.Context, address string) (*Client, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.JWT == "" {
		req.JWT = c.token
	}
	if err := WriteFrame(c.conn, EncodeRequest(req)); err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}
	payload, err := ReadFrame(c.conn)
	if err != nil {
		return Response{}, fmt.Errorf("receive %s: %w", req.Command, err)
	}
	resp, err := DecodeResponse(payload)
	if err != nil {
		return Response{}, err
	}
	if resp.Status == StatusSignInSuccessful {
		c.token = resp.JWT
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
