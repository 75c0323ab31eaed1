package proxy

import (
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBufferSize is the per-direction chunk size.
const DefaultBufferSize = 64 * 1024

// Pair is an established client/remote connection pair. Close tears down
// both sides together and may be called any number of times.
type Pair struct {
	client      net.Conn
	remote      net.Conn
	clientLabel string
	remoteLabel string

	closeOnce sync.Once
	onClose   func()
}

// pairFrom forms a pair from a pending client, lifting its read suppression.
// It must be called at most once per PendingClient.
func pairFrom(pc *PendingClient, remote net.Conn, onClose func()) *Pair {
	return &Pair{
		client:      pc.resume(),
		remote:      remote,
		clientLabel: pc.label,
		remoteLabel: connLabel(remote.LocalAddr(), remote.RemoteAddr()),
		onClose:     onClose,
	}
}

func (p *Pair) ClientLabel() string { return p.clientLabel }
func (p *Pair) RemoteLabel() string { return p.remoteLabel }

func (p *Pair) Close() {
	p.closeOnce.Do(func() {
		if p.onClose != nil {
			p.onClose()
		}
		_ = p.client.Close()
		_ = p.remote.Close()
	})
}

// run relays both directions until either side ends, then closes the pair.
// It returns the first unexpected I/O error, if any.
func (p *Pair) run(bufSize int, upstream, downstream func(int)) error {
	var g errgroup.Group
	g.Go(func() error {
		defer p.Close()
		_, err := relay(p.remote, p.client, make([]byte, bufSize), upstream)
		return err
	})
	g.Go(func() error {
		defer p.Close()
		_, err := relay(p.client, p.remote, make([]byte, bufSize), downstream)
		return err
	})
	return g.Wait()
}

// relay copies src to dst one chunk at a time. The next read is not issued
// until the previous chunk has been fully written, so a slow dst stalls src.
// End of stream returns a nil error, as does a read or write on a socket the
// pair has already closed.
func relay(dst io.Writer, src io.Reader, buf []byte, onBytes func(int)) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if onBytes != nil {
					onBytes(nw)
				}
			}
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, quiet(werr)
			}
		}
		if rerr != nil {
			return written, quiet(rerr)
		}
	}
}

func quiet(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
