// Package main provides the qsh client entry point. It asks the local
// qshd daemon for a session over the control socket, attaches to the
// per-session UNIX sockets, and bridges them to the terminal.
package main

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leyvirose/qsh/internal/ipc"
)

func main() {
	var execute string

	rootCmd := &cobra.Command{
		Use:   "qsh <host> <port>",
		Short: "qsh - quantum-safe remote shell client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("parse host: %w", err)
			}
			if !host.Is6() || host.Is4In6() {
				return fmt.Errorf("host %s is not an IPv6 address", host)
			}
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("parse port: %w", err)
			}
			return run(host, uint16(port), execute)
		},
	}
	rootCmd.Flags().StringVarP(&execute, "execute", "e", "/bin/sh", "program to run on the remote host")
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qsh: %v\n", err)
		os.Exit(1)
	}
}

func run(host netip.Addr, port uint16, execute string) error {
	socketPath, err := ipc.SocketPath()
	if err != nil {
		return err
	}
	control, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to qshd: %w", err)
	}
	defer control.Close()

	req := ipc.SessionRequest{Host: host, Port: port, Execute: execute}
	if err := ipc.WriteMessage(control, ipc.KindSessionRequest, req.Encode()); err != nil {
		return fmt.Errorf("request session: %w", err)
	}

	kind, payload, err := ipc.ReadMessage(control)
	if err != nil {
		return fmt.Errorf("read session acknowledge: %w", err)
	}
	if kind != ipc.KindSessionAcknowledge {
		return fmt.Errorf("%w: expected acknowledge, got kind 0x%02x", ipc.ErrInvalidMessage, kind)
	}
	ack, err := ipc.DecodeSessionAcknowledge(payload)
	if err != nil {
		return err
	}

	stdin, err := net.Dial("unix", ack.StdinPath)
	if err != nil {
		return fmt.Errorf("connect stdin: %w", err)
	}
	defer stdin.Close()
	stdout, err := net.Dial("unix", ack.StdoutPath)
	if err != nil {
		return fmt.Errorf("connect stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := net.Dial("unix", ack.StderrPath)
	if err != nil {
		return fmt.Errorf("connect stderr: %w", err)
	}
	defer stderr.Close()

	// Raw mode so keystrokes reach the remote program unmangled.
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw terminal: %w", err)
		}
		defer term.Restore(fd, state)
	}

	go func() {
		io.Copy(stdin, os.Stdin)
		stdin.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(os.Stdout, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(os.Stderr, stderr)
	}()
	wg.Wait()
	return nil
}
