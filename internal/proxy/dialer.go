package proxy

import (
	"context"
	"net"
	"time"

	"github.com/matst80/portfwd/internal/endpoint"
)

// DialResult is the outcome of one remote dial: exactly one of Conn or Err is set.
type DialResult struct {
	Conn net.Conn
	Err  error
}

// Dialer opens the outbound connection for one accepted client. Dial must
// not block; the result is delivered on the returned channel exactly once.
type Dialer interface {
	Dial(ctx context.Context, remote endpoint.Endpoint) <-chan DialResult
}

// NetDialer dials TCP. A zero Timeout leaves the limit to the OS.
type NetDialer struct {
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context, remote endpoint.Endpoint) <-chan DialResult {
	ch := make(chan DialResult, 1)
	go func() {
		nd := net.Dialer{Timeout: d.Timeout}
		c, err := nd.DialContext(ctx, "tcp", remote.String())
		ch <- DialResult{Conn: c, Err: err}
	}()
	return ch
}
