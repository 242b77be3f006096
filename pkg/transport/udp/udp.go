// Package udp implements [transport.Transport] over plain UDP datagrams.
//
// Each [Conn] binds a local address and sends to a fixed remote. When no
// remote is configured the endpoint answers whoever sent it the most recent
// datagram, which lets a receive-only peer run without knowing the sender.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/opuslink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport     = (*Conn)(nil)
	_ transport.StatsReporter = (*Conn)(nil)
)

// ErrNoRemote is returned by Send before any remote address is known.
var ErrNoRemote = errors.New("udp: no remote address")

// pollInterval bounds how long a blocked Receive takes to notice ctx.
const pollInterval = 200 * time.Millisecond

// Config selects the addresses of a [Conn].
type Config struct {
	// Listen is the local host:port. ":0" picks an ephemeral port.
	Listen string

	// Remote is the peer's host:port. Empty means reply to the sender of
	// the most recent datagram.
	Remote string

	// ReadBuffer sets SO_RCVBUF when positive.
	ReadBuffer int
}

// Conn is a UDP endpoint.
type Conn struct {
	conn   *net.UDPConn
	remote atomic.Pointer[net.UDPAddr]
	learn  bool
	buf    []byte
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	sent     atomic.Uint64
	sendErrs atomic.Uint64
	received atomic.Uint64
}

// Listen binds cfg.Listen and returns a ready [Conn].
func Listen(cfg Config) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve listen address %q: %w", cfg.Listen, err)
	}
	c := &Conn{
		buf:    make([]byte, transport.MTU),
		learn:  cfg.Remote == "",
		logger: slog.Default().With("transport", "udp"),
	}
	if cfg.Remote != "" {
		raddr, err := net.ResolveUDPAddr("udp", cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("udp: resolve remote address %q: %w", cfg.Remote, err)
		}
		c.remote.Store(raddr)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen on %q: %w", cfg.Listen, err)
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			c.logger.Warn("failed to set UDP read buffer size", "buffer_size", cfg.ReadBuffer, "err", err)
		}
	}
	c.conn = conn
	c.logger.Info("udp transport listening", "local", conn.LocalAddr().String(), "remote", cfg.Remote)
	return c, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr) //nolint:forcetypeassert // ListenUDP always yields *UDPAddr
}

// Send writes pkt as one datagram to the remote.
func (c *Conn) Send(pkt []byte) error {
	if c.closed.Load() {
		c.sendErrs.Add(1)
		return transport.ErrClosed
	}
	remote := c.remote.Load()
	if remote == nil {
		c.sendErrs.Add(1)
		return ErrNoRemote
	}
	if _, err := c.conn.WriteToUDP(pkt, remote); err != nil {
		c.sendErrs.Add(1)
		return fmt.Errorf("udp: send to %s: %w", remote, err)
	}
	c.sent.Add(1)
	return nil
}

// Receive returns the next datagram. The slice is reused by the next call.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.closed.Load() {
			return nil, transport.ErrClosed
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return nil, c.readErr(err)
		}
		n, from, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, c.readErr(err)
		}
		if c.learn {
			if cur := c.remote.Load(); cur == nil || !sameAddr(cur, from) {
				c.remote.Store(from)
				c.logger.Info("udp remote learned", "remote", from.String())
			}
		}
		c.received.Add(1)
		return c.buf[:n], nil
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

func (c *Conn) readErr(err error) error {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return transport.ErrClosed
	}
	return fmt.Errorf("udp: receive: %w", err)
}

// Close releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.logger.Info("udp transport closed",
			"sent", c.sent.Load(),
			"send_errors", c.sendErrs.Load(),
			"received", c.received.Load(),
		)
	})
	return err
}

// Stats implements [transport.StatsReporter].
func (c *Conn) Stats() transport.Stats {
	return transport.Stats{
		Sent:     c.sent.Load(),
		SendErrs: c.sendErrs.Load(),
		Received: c.received.Load(),
	}
}
