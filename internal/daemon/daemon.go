// Package daemon implements qshd: the TCP side that serves inbound
// sessions by attaching the configured executable, and the local IPC
// side that opens outbound sessions on behalf of the qsh tool.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/config"
	"github.com/leyvirose/qsh/internal/exec"
	"github.com/leyvirose/qsh/internal/ipc"
	"github.com/leyvirose/qsh/internal/logging"
	"github.com/leyvirose/qsh/internal/session"
	"github.com/leyvirose/qsh/internal/transport"
)

// Daemon is one qshd instance.
type Daemon struct {
	dir    string
	auth   *auth.Authenticator
	logger *slog.Logger

	// serveInbound is false when server.toml allows no clients; the
	// daemon then only opens outbound sessions.
	serveInbound bool

	mu  sync.RWMutex
	cfg *config.ServerConfig

	listener *transport.Connection
	ipcLn    net.Listener

	nextSession atomic.Uint32
	wg          sync.WaitGroup
}

// New builds a daemon. dir is the qsh state directory (~/.qsh).
func New(dir string, cfg *config.ServerConfig, serveInbound bool, authenticator *auth.Authenticator, logger *slog.Logger) *Daemon {
	return &Daemon{
		dir:          dir,
		auth:         authenticator,
		logger:       logger.With(logging.KeyComponent, "daemon"),
		serveInbound: serveInbound,
		cfg:          cfg,
	}
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()

	if d.serveInbound {
		addr, err := cfg.ListenAddr()
		if err != nil {
			return err
		}
		listener := transport.New(transport.Config{
			Addr:   addr,
			Port:   cfg.General.ListenPort,
			Kex:    cfg.Methods.KexKind(),
			Cipher: cfg.Methods.CryptoKind(),
			Auth:   d.auth,
			Logger: d.logger,
		})
		if err := listener.Listen(ctx); err != nil {
			return err
		}
		d.mu.Lock()
		d.listener = listener
		d.mu.Unlock()
		d.wg.Add(1)
		go d.acceptLoop(ctx)
	} else {
		d.logger.Info("server not configured, serving outbound sessions only")
	}

	socketPath, err := ipc.SocketPath()
	if err != nil {
		return err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	d.ipcLn = ln
	d.logger.Info("serving local requests", logging.KeyAddress, socketPath)
	d.wg.Add(1)
	go d.ipcLoop(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		interval := time.Duration(cfg.General.ConfigUpdateInterval) * time.Second
		config.WatchServer(ctx, config.ServerPath(d.dir), interval, d.logger, d.setConfig)
	}()

	<-ctx.Done()
	if d.listener != nil {
		d.listener.Close()
	}
	ln.Close()
	os.Remove(socketPath)
	d.wg.Wait()
	return nil
}

// Port returns the bound TCP listener port, once Run has started the
// listener. Useful when the configured port was 0.
func (d *Daemon) Port() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return 0
	}
	return d.listener.Port()
}

func (d *Daemon) config() *config.ServerConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Daemon) setConfig(cfg *config.ServerConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// acceptLoop serves inbound encrypted sessions.
func (d *Daemon) acceptLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		link, err := d.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Error("accept failed", logging.KeyError, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleInbound(ctx, link)
		}()
	}
}

// handleInbound attaches a child process to one accepted session. The
// first record must be the Open control message; stdin records feed the
// child, its stdout and stderr flow back on channels 1 and 2.
func (d *Daemon) handleInbound(ctx context.Context, link *transport.Link) {
	cfg := d.config()
	logger := d.logger.With(logging.KeyPeer, link.Peer.String())

	sess, err := session.New(link, cfg.Methods.CompressionKind())
	if err != nil {
		logger.Error("session setup failed", logging.KeyError, err)
		link.Close()
		return
	}
	defer sess.Close()

	msg, err := sess.Recv()
	if err != nil {
		logger.Error("session ended before open", logging.KeyError, err)
		return
	}
	if msg.Channel != session.ChannelControl {
		logger.Error("expected control open", logging.KeyChannel, msg.Channel)
		return
	}
	ctl, err := session.DecodeControl(msg.Payload)
	if err != nil || ctl.Op != session.ControlOpen {
		logger.Error("malformed session open", logging.KeyError, err)
		return
	}

	command := ctl.Execute
	if command == "" {
		command = cfg.Exec
	}
	executor, err := exec.Start(command, logger)
	if err != nil {
		logger.Error("process start failed", logging.KeyError, err)
		return
	}
	defer executor.Stop()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		executor.Forward(sess.Send)
		// Child streams are drained and the process reaped: flush what
		// is queued and half-close.
		sess.Shutdown()
	}()

	for {
		msg, err := sess.Recv()
		if err != nil {
			// Peer closed or the stream failed; stop feeding the child.
			break
		}
		switch msg.Channel {
		case session.ChannelStdin:
			if err := executor.WriteStdin(msg.Payload); err != nil {
				logger.Debug("stdin write failed", logging.KeyError, err)
			}
		case session.ChannelControl:
			if ctl, err := session.DecodeControl(msg.Payload); err == nil && ctl.Op == session.ControlClose {
				executor.CloseStdin()
			}
		default:
			logger.Debug("dropping record for unserved channel", logging.KeyChannel, msg.Channel)
		}
	}
	executor.CloseStdin()
	<-forwardDone
}

// ipcLoop serves the local control socket.
func (d *Daemon) ipcLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		conn, err := d.ipcLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			d.logger.Error("control accept failed", logging.KeyError, err)
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer conn.Close()
			if err := d.handleRequest(ctx, conn); err != nil {
				d.logger.Error("session request failed", logging.KeyError, err)
			}
		}()
	}
}

// handleRequest serves one qsh tool connection: it opens the outbound
// session and bridges it to the per-session UNIX sockets.
func (d *Daemon) handleRequest(ctx context.Context, conn net.Conn) error {
	kind, payload, err := ipc.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read session request: %w", err)
	}
	if kind != ipc.KindSessionRequest {
		return fmt.Errorf("%w: expected session request, got kind 0x%02x", ipc.ErrInvalidMessage, kind)
	}
	req, err := ipc.DecodeSessionRequest(payload)
	if err != nil {
		return err
	}

	id := uint16(d.nextSession.Add(1))
	bridge, err := newBridge(id, d.logger)
	if err != nil {
		return err
	}
	defer bridge.cleanup()

	ack := ipc.SessionAcknowledge{
		ID:         id,
		SocketPath: bridge.controlPath,
		StdinPath:  bridge.stdinPath,
		StdoutPath: bridge.stdoutPath,
		StderrPath: bridge.stderrPath,
	}
	if err := ipc.WriteMessage(conn, ipc.KindSessionAcknowledge, ack.Encode()); err != nil {
		return fmt.Errorf("send session acknowledge: %w", err)
	}

	cfg := d.config()
	addr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}
	dialer := transport.New(transport.Config{
		Addr:   addr,
		Kex:    cfg.Methods.KexKind(),
		Cipher: cfg.Methods.CryptoKind(),
		Auth:   d.auth,
		Logger: d.logger,
	})
	link, err := dialer.Connect(ctx, req.Host, req.Port)
	if err != nil {
		return err
	}
	sess, err := session.New(link, cfg.Methods.CompressionKind())
	if err != nil {
		link.Close()
		return err
	}
	defer sess.Close()

	if err := sess.SendOpen(req.Execute); err != nil {
		return err
	}
	return bridge.run(ctx, sess)
}

// bridge owns the per-session UNIX sockets the qsh tool attaches to.
type bridge struct {
	dir         string
	controlPath string
	stdinPath   string
	stdoutPath  string
	stderrPath  string

	controlLn net.Listener
	stdinLn   net.Listener
	stdoutLn  net.Listener
	stderrLn  net.Listener

	logger *slog.Logger

	mu    sync.Mutex
	sinks map[uint16]net.Conn
}

// newBridge creates the session socket directory and its four
// listeners.
func newBridge(id uint16, logger *slog.Logger) (*bridge, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return nil, ipc.ErrNoRuntimeDir
	}
	dir := filepath.Join(runtimeDir, fmt.Sprintf("qsh-session-%d", id))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	b := &bridge{
		dir:         dir,
		controlPath: filepath.Join(dir, "control.socket"),
		stdinPath:   filepath.Join(dir, "stdin.socket"),
		stdoutPath:  filepath.Join(dir, "stdout.socket"),
		stderrPath:  filepath.Join(dir, "stderr.socket"),
		logger:      logger.With(logging.KeySession, id),
		sinks:       make(map[uint16]net.Conn),
	}

	var err error
	if b.controlLn, err = net.Listen("unix", b.controlPath); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	if b.stdinLn, err = net.Listen("unix", b.stdinPath); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("listen on stdin socket: %w", err)
	}
	if b.stdoutLn, err = net.Listen("unix", b.stdoutPath); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("listen on stdout socket: %w", err)
	}
	if b.stderrLn, err = net.Listen("unix", b.stderrPath); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("listen on stderr socket: %w", err)
	}
	return b, nil
}

func (b *bridge) cleanup() {
	for _, ln := range []net.Listener{b.controlLn, b.stdinLn, b.stdoutLn, b.stderrLn} {
		if ln != nil {
			ln.Close()
		}
	}
	b.mu.Lock()
	for _, c := range b.sinks {
		c.Close()
	}
	b.mu.Unlock()
	os.RemoveAll(b.dir)
}

// run bridges the session to the tool until either side finishes.
func (b *bridge) run(ctx context.Context, sess *session.Session) error {
	stdinConn, err := b.stdinLn.Accept()
	if err != nil {
		return fmt.Errorf("accept stdin: %w", err)
	}
	stdoutConn, err := b.stdoutLn.Accept()
	if err != nil {
		return fmt.Errorf("accept stdout: %w", err)
	}
	stderrConn, err := b.stderrLn.Accept()
	if err != nil {
		return fmt.Errorf("accept stderr: %w", err)
	}

	b.mu.Lock()
	b.sinks[session.ChannelStdout] = stdoutConn
	b.sinks[session.ChannelStderr] = stderrConn
	b.mu.Unlock()

	// Extra channel requests arrive on the control socket.
	go b.serveControl(sess)

	// Tool stdin -> wire channel 0. EOF means the user is done: send
	// the close control message and half-close the connection.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdinConn.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				if err := sess.Send(session.ChannelStdin, payload); err != nil {
					return
				}
			}
			if err != nil {
				sess.SendClose()
				sess.Shutdown()
				return
			}
		}
	}()

	// Wire -> tool sockets.
	for {
		msg, err := sess.Recv()
		if err != nil {
			break
		}
		if msg.Channel == session.ChannelControl {
			if ctl, err := session.DecodeControl(msg.Payload); err == nil && ctl.Op == session.ControlClose {
				break
			}
			continue
		}
		b.mu.Lock()
		sink := b.sinks[msg.Channel]
		b.mu.Unlock()
		if sink == nil {
			b.logger.Debug("dropping record for unattached channel", logging.KeyChannel, msg.Channel)
			continue
		}
		if _, err := sink.Write(msg.Payload); err != nil {
			b.logger.Debug("sink write failed", logging.KeyChannel, msg.Channel, logging.KeyError, err)
		}
	}

	// Closing the sinks lets the tool observe end-of-stream.
	stdoutConn.Close()
	stderrConn.Close()
	stdinConn.Close()
	return nil
}

// serveControl answers ChannelRequest messages on the session control
// socket, creating one more UNIX socket per extra channel.
func (b *bridge) serveControl(sess *session.Session) {
	conn, err := b.controlLn.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		kind, payload, err := ipc.ReadMessage(conn)
		if err != nil {
			return
		}
		if kind != ipc.KindChannelRequest {
			b.logger.Debug("unexpected control message", "kind", kind)
			continue
		}
		req, err := ipc.DecodeChannelRequest(payload)
		if err != nil {
			b.logger.Debug("malformed channel request", logging.KeyError, err)
			continue
		}

		direction := session.DirectionInbound
		if req.Direction == ipc.DirectionOutbound {
			direction = session.DirectionOutbound
		}
		typ := session.TypeUnbuffered
		if req.Type == ipc.TypeBuffered {
			typ = session.TypeBuffered
		}
		desc, err := sess.OpenChannel(direction, typ)
		if err != nil {
			b.logger.Error("channel open failed", logging.KeyError, err)
			return
		}

		path := filepath.Join(b.dir, fmt.Sprintf("channel-%d.socket", desc.ID))
		ln, err := net.Listen("unix", path)
		if err != nil {
			b.logger.Error("channel socket failed", logging.KeyError, err)
			return
		}

		ack := ipc.ChannelAcknowledge{ID: desc.ID, SocketPath: path}
		if err := ipc.WriteMessage(conn, ipc.KindChannelAcknowledge, ack.Encode()); err != nil {
			ln.Close()
			return
		}

		go b.attachChannel(sess, desc, ln)
	}
}

// attachChannel wires one extra channel's socket to the session.
func (b *bridge) attachChannel(sess *session.Session, desc session.Descriptor, ln net.Listener) {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return
	}

	if desc.Direction == session.DirectionOutbound {
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				if err := sess.Send(desc.ID, payload); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	// Inbound channels are drained by the bridge's routing loop.
	b.mu.Lock()
	b.sinks[desc.ID] = conn
	b.mu.Unlock()
}
