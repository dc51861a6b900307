// Package server exposes the document engine over a line-oriented TCP protocol.
package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/engine"
	"github.com/mindspace-dev/mindspace-store/internal/logger"
)

// MaxConnections bounds the number of connections served at once.
const MaxConnections = 100

// DefaultIdleTimeout is how long a connection may wait between commands.
const DefaultIdleTimeout = 30 * time.Second

type Router struct {
	store  *engine.MemStore
	cert   *tls.Certificate
	logger *log.Logger
	idle   time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(s *engine.MemStore, l *log.Logger) *Router {
	return &Router{store: s, logger: logger.OrDiscard(l), idle: DefaultIdleTimeout}
}

// SetIdleTimeout changes how long an idle connection is kept open.
// Non-positive values restore the default.
func (r *Router) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleTimeout
	}
	r.idle = d
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	r.logger.Info("Document daemon listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, MaxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("Accept failed", "error", err)
			continue
		}

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener. Connections in flight finish on their own.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// splitArgs splits line into the command, n-1 whitespace-separated
// arguments, and a raw remainder (used for JSON payloads, which may
// contain spaces). ok is false when there are fewer than n arguments.
func splitArgs(line string, n int) (args []string, rest string, ok bool) {
	rest = strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		if rest == "" {
			return nil, "", false
		}
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			args = append(args, rest)
			rest = ""
			continue
		}
		args = append(args, rest[:idx])
		rest = strings.TrimLeft(rest[idx:], " \t")
	}
	return args, rest, true
}

// HandleConnection serves commands from conn until QUIT, EOF or an idle timeout.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		// Idle connections are closed; clients redial on their next command.
		conn.SetReadDeadline(time.Now().Add(r.idle))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		command := strings.ToUpper(fields[0])

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "GET":
			args, _, ok := splitArgs(line, 3)
			if !ok {
				usage(conn, "GET <collection> <id>")
				continue
			}
			doc, err := r.store.Get(args[1], args[2])
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			reply(conn, doc)

		case "PUT":
			args, raw, ok := splitArgs(line, 3)
			if !ok || raw == "" {
				usage(conn, "PUT <collection> <id> <json>")
				continue
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
				fmt.Fprintln(conn, "ERR invalid json document")
				continue
			}
			if err := r.store.Put(args[1], args[2], doc); err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			fmt.Fprintln(conn, "OK")

		case "DEL":
			args, _, ok := splitArgs(line, 3)
			if !ok {
				usage(conn, "DEL <collection> <id>")
				continue
			}
			if err := r.store.Delete(args[1], args[2]); err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			fmt.Fprintln(conn, "OK")

		case "APPEND":
			args, raw, ok := splitArgs(line, 4)
			if !ok || raw == "" {
				usage(conn, "APPEND <collection> <id> <field> <json>")
				continue
			}
			var val any
			if err := json.Unmarshal([]byte(raw), &val); err != nil {
				fmt.Fprintln(conn, "ERR invalid json value")
				continue
			}
			added, err := r.store.Append(args[1], args[2], args[3], val)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			reply(conn, added)

		case "SET":
			args, raw, ok := splitArgs(line, 4)
			if !ok || raw == "" {
				usage(conn, "SET <collection> <id> <path> <json>")
				continue
			}
			var val any
			if err := json.Unmarshal([]byte(raw), &val); err != nil {
				fmt.Fprintln(conn, "ERR invalid json value")
				continue
			}
			if err := r.store.SetPath(args[1], args[2], args[3], val); err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			fmt.Fprintln(conn, "OK")

		case "LIST":
			args, _, ok := splitArgs(line, 2)
			if !ok {
				usage(conn, "LIST <collection>")
				continue
			}
			ids, err := r.store.List(args[1])
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			reply(conn, ids)

		case "QUIT":
			return

		default:
			fmt.Fprintln(conn, "ERR unknown command", command)
		}
	}
}

func reply(conn net.Conn, v any) {
	res, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(conn, "ERR internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

func usage(conn net.Conn, form string) {
	fmt.Fprintln(conn, "ERR usage:", form)
}
