package proxy

import "net"

// PendingClient is an accepted connection waiting for its remote dial.
// While suppressed nothing reads from the socket, so early client bytes stay
// in the kernel receive buffer until the pair forms.
type PendingClient struct {
	conn       net.Conn
	label      string
	suppressed bool
}

func newPendingClient(c net.Conn) *PendingClient {
	return &PendingClient{
		conn:       c,
		label:      connLabel(c.RemoteAddr(), c.LocalAddr()),
		suppressed: true,
	}
}

// Label is "client -> local".
func (p *PendingClient) Label() string { return p.label }

// Suppressed reports whether reads are still held back.
func (p *PendingClient) Suppressed() bool { return p.suppressed }

// resume lifts read suppression and hands the socket over to the pair.
func (p *PendingClient) resume() net.Conn {
	p.suppressed = false
	return p.conn
}

// discard closes a client that never paired. Nothing is written to it.
func (p *PendingClient) discard() {
	_ = p.conn.Close()
}

func connLabel(from, to net.Addr) string {
	return addrString(from) + " -> " + addrString(to)
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}
