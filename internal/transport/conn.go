// Package transport implements the encrypted record transport: a
// Connection listens or dials over TCP/IPv6, runs the handshake on each
// stream, and hands the caller a Link — a pair of bounded queues wired
// to a send task and a receive task that exclusively own the two cipher
// directions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/leyvirose/qsh/internal/aead"
	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/handshake"
	"github.com/leyvirose/qsh/internal/kex"
	"github.com/leyvirose/qsh/internal/logging"
	"github.com/leyvirose/qsh/internal/metrics"
)

// DefaultQueueDepth is the capacity of each bounded queue, in records.
const DefaultQueueDepth = 256

var (
	// ErrNotListener is returned when Accept is called on a connection
	// that is not in listener state.
	ErrNotListener = errors.New("connection is not a listener")

	// ErrNotDialer is returned when Connect is called on a connection
	// that is in listener state.
	ErrNotDialer = errors.New("connection is a listener")

	// ErrNotIPv6 is returned when a peer address is not IPv6.
	ErrNotIPv6 = errors.New("peer address is not IPv6")
)

// Config describes one Connection instance.
type Config struct {
	// Addr and Port are the local bind endpoint. Listeners bind both;
	// dialers bind Addr with an ephemeral port.
	Addr netip.Addr
	Port uint16

	Kex    kex.Kind
	Cipher aead.Kind
	Auth   *auth.Authenticator

	// QueueDepth is the bounded queue capacity per direction.
	// DefaultQueueDepth when zero.
	QueueDepth int

	// HandshakeTimeout bounds each handshake. handshake.DefaultTimeout
	// when zero.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Connection is either a listener or a dialer, never both over its
// lifetime. A listener produces one Link per Accept; a dialer one per
// Connect.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener *net.TCPListener
	dialed   bool
}

// New builds an idle Connection.
func New(cfg Config) *Connection {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Connection{cfg: cfg, logger: logger.With(logging.KeyComponent, "transport")}
}

// Listen binds the IPv6 listener socket with port reuse enabled and
// puts the Connection in listener state.
func (c *Connection) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.dialed {
		c.mu.Unlock()
		return ErrNotListener
	}
	c.mu.Unlock()

	lc := net.ListenConfig{Control: reusePort}
	address := net.JoinHostPort(c.cfg.Addr.String(), strconv.Itoa(int(c.cfg.Port)))
	ln, err := lc.Listen(ctx, "tcp6", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	c.mu.Lock()
	c.listener = ln.(*net.TCPListener)
	c.mu.Unlock()

	c.logger.Info("listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Port returns the bound listener port. Useful when Config.Port was 0.
func (c *Connection) Port() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return c.cfg.Port
	}
	return uint16(c.listener.Addr().(*net.TCPAddr).Port)
}

// Close shuts the listener down. Links already returned keep running.
func (c *Connection) Close() error {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Accept waits for one peer, runs the handshake, spawns the record
// tasks, and returns the Link. Valid only in listener state. Each call
// returns an independent Link.
func (c *Connection) Accept(ctx context.Context) (*Link, error) {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return nil, ErrNotListener
	}

	tcp, err := ln.AcceptTCP()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	link, err := c.establish(tcp, handshake.RoleListener)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return link, nil
}

// Connect dials the peer, runs the handshake, spawns the record tasks,
// and returns the Link. Valid only while the Connection has never
// listened. The local end binds the configured address so traffic
// originates from it.
func (c *Connection) Connect(ctx context.Context, addr netip.Addr, port uint16) (*Link, error) {
	c.mu.Lock()
	if c.listener != nil {
		c.mu.Unlock()
		return nil, ErrNotDialer
	}
	c.dialed = true
	c.mu.Unlock()
	if !addr.Is6() || addr.Is4In6() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv6, addr)
	}

	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: c.cfg.Addr.AsSlice()},
	}
	address := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp6", address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	link, err := c.establish(conn.(*net.TCPConn), handshake.RoleDialer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

// establish runs the handshake on an open stream and starts the record
// tasks.
func (c *Connection) establish(tcp *net.TCPConn, role handshake.Role) (*Link, error) {
	peer, err := peerAddr(tcp)
	if err != nil {
		return nil, err
	}

	m := metrics.Get()
	start := time.Now()
	res, err := handshake.Run(tcp, peer, handshake.Config{
		Kex:     c.cfg.Kex,
		Cipher:  c.cfg.Cipher,
		Auth:    c.cfg.Auth,
		Role:    role,
		Timeout: c.cfg.HandshakeTimeout,
	})
	if err != nil {
		m.HandshakeFailures.Inc()
		return nil, err
	}
	m.HandshakeDuration.Observe(time.Since(start).Seconds())
	m.ConnectionsTotal.WithLabelValues(roleName(role)).Inc()
	m.ConnectionsActive.Inc()

	logger := c.logger.With(logging.KeyPeer, peer.String())
	logger.Info("connection established")

	link := &Link{
		Peer:   peer,
		send:   make(chan []byte, c.cfg.QueueDepth),
		recv:   make(chan []byte, c.cfg.QueueDepth),
		done:   make(chan struct{}),
		dead:   make(chan struct{}),
		conn:   tcp,
		logger: logger,
	}
	link.Send = link.send
	link.Recv = link.recv

	go link.sendLoop(res.Encryptor)
	go link.recvLoop(res.Decryptor)
	return link, nil
}

// peerAddr extracts the peer's IPv6 address from the stream.
func peerAddr(tcp *net.TCPConn) (netip.Addr, error) {
	remote, ok := tcp.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotIPv6, tcp.RemoteAddr())
	}
	addr, ok := netip.AddrFromSlice(remote.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotIPv6, remote)
	}
	addr = addr.Unmap()
	if !addr.Is6() {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotIPv6, remote)
	}
	return addr, nil
}

func roleName(role handshake.Role) string {
	if role == handshake.RoleDialer {
		return "dialer"
	}
	return "listener"
}

// Link is one established encrypted stream: an outbound bounded queue
// drained by the send task and an inbound bounded queue filled by the
// receive task. Recv is closed when the receive task exits.
type Link struct {
	Peer netip.Addr
	Send chan<- []byte
	Recv <-chan []byte

	send chan []byte
	recv chan []byte

	// done signals the receive task that the consumer is gone.
	done chan struct{}

	// dead is closed once a task has failed and the link can no longer
	// carry traffic.
	dead chan struct{}

	shutdownOnce sync.Once
	closeOnce    sync.Once
	deadOnce     sync.Once

	conn   *net.TCPConn
	logger *slog.Logger
}

// Shutdown closes the outbound queue: the send task drains what is
// queued, then half-closes the stream so the peer sees EOF. Calling it
// again is a no-op.
func (l *Link) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.send) })
}

// Close abandons the link: the outbound queue is closed, the receive
// task is told its consumer is gone, and the stream is torn down.
func (l *Link) Close() {
	l.Shutdown()
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Dead is closed once a task has failed and the link can no longer
// carry traffic. Senders select on it to avoid queueing into a link
// that will never drain. A clean peer half-close does not mark the
// link dead.
func (l *Link) Dead() <-chan struct{} { return l.dead }

func (l *Link) markDead() {
	l.deadOnce.Do(func() { close(l.dead) })
}

// sendLoop is the send task. It exclusively owns the outbound cipher
// state and the write half of the stream.
func (l *Link) sendLoop(enc *aead.Encryptor) {
	m := metrics.Get()
	rw := NewRecordWriter(l.conn)
	for payload := range l.send {
		ciphertext, err := enc.Encrypt(payload, nil)
		if err != nil {
			l.logger.Error("send task: encrypt failed", logging.KeyError, err)
			m.CryptoFailures.Inc()
			l.markDead()
			l.conn.Close()
			return
		}
		if err := rw.Write(ciphertext); err != nil {
			l.logger.Error("send task: write failed", logging.KeyError, err)
			l.markDead()
			return
		}
		m.RecordsSent.Inc()
		m.BytesSent.Add(float64(len(ciphertext)))
	}

	// Outbound queue closed: graceful half-close.
	if err := l.conn.CloseWrite(); err != nil {
		l.logger.Error("send task: close write half", logging.KeyError, err)
		return
	}
	l.logger.Debug("send task finished")
}

// recvLoop is the receive task. It exclusively owns the inbound cipher
// state and the read half of the stream. It closes the inbound queue on
// exit so the consumer observes end-of-stream.
func (l *Link) recvLoop(dec *aead.Decryptor) {
	defer close(l.recv)
	defer metrics.Get().ConnectionsActive.Dec()

	m := metrics.Get()
	rr := NewRecordReader(l.conn)
	for {
		ciphertext, err := rr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Peer half-closed; our send direction may keep going.
				l.logger.Debug("receive task finished")
			} else {
				if !errors.Is(err, net.ErrClosed) {
					l.logger.Error("receive task: read failed", logging.KeyError, err)
				}
				l.markDead()
			}
			return
		}

		plaintext, err := dec.Decrypt(ciphertext, nil)
		if err != nil {
			// The stream can no longer be trusted; tear it down so the
			// peer notices instead of silently resynchronising.
			l.logger.Error("receive task: decrypt failed", logging.KeyError, err)
			m.CryptoFailures.Inc()
			l.markDead()
			l.conn.Close()
			return
		}
		m.RecordsReceived.Inc()
		m.BytesReceived.Add(float64(len(ciphertext)))

		select {
		case l.recv <- plaintext:
		case <-l.done:
			return
		}
	}
}
