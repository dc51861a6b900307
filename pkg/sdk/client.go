// Package sdk provides the client-side library for the mindspace-stored
// document daemon, a storage.Backend built on it, and discovery of the
// configured remote store.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/engine"
	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// DefaultCommandTimeout applies when the caller's context has no deadline.
const DefaultCommandTimeout = 30 * time.Second

// ServerError is an ERR reply from the daemon. The connection stays usable.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return "daemon: " + e.Msg }

// ClientOptions configures a Client.
type ClientOptions struct {
	DisableTLS  bool
	DialTimeout time.Duration
	Logger      *log.Logger
}

// Client talks to a remote mindspace-stored daemon over one TCP or TLS
// connection. Each command is attempted once. The only exception is a
// reused connection the daemon already closed for idleness: the command
// never reached it, so the client redials and sends it on the new one.
type Client struct {
	addr   string
	opts   ClientOptions
	logger *log.Logger

	mu     sync.Mutex // Protects concurrent access to the connection
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient returns a client that dials lazily on the first command.
func NewClient(addr string, opts ClientOptions) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Client{addr: addr, opts: opts, logger: logger.OrDiscard(opts.Logger)}
}

// Connect establishes a connection to a remote daemon right away.
// TLS is used unless opts.DisableTLS is set.
func Connect(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	c := NewClient(addr, opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// dial MUST be called while holding c.mu.
func (c *Client) dial(ctx context.Context) error {
	c.drop()

	dialer := &net.Dialer{
		Timeout:   c.opts.DialTimeout,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.opts.DisableTLS {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
	} else {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				InsecureSkipVerify: true, // The daemon uses self-signed certs for internal traffic
			},
		}
		conn, err = td.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// drop MUST be called while holding c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// staleError marks a connection the daemon closed before reading the
// command, typically after the daemon's idle timeout.
type staleError struct {
	err error
}

func (e *staleError) Error() string { return "stale connection: " + e.err.Error() }
func (e *staleError) Unwrap() error { return e.err }

// roundTrip sends one command line and returns the reply with the OK prefix removed.
func (c *Client) roundTrip(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reused := c.conn != nil
	if !reused {
		if err := c.dial(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.exchange(ctx, cmd)
	var stale *staleError
	if errors.As(err, &stale) && reused {
		c.logger.Debug("Daemon closed idle connection, redialing")
		if err := c.dial(ctx); err != nil {
			return "", err
		}
		resp, err = c.exchange(ctx, cmd)
	}
	if errors.As(err, &stale) {
		return "", stale.err
	}
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(resp, "ERR") {
		return "", &ServerError{Msg: strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))}
	}
	if resp == "PONG" || resp == "OK" {
		return "", nil
	}
	if strings.HasPrefix(resp, "OK ") {
		return strings.TrimPrefix(resp, "OK "), nil
	}
	c.drop()
	return "", fmt.Errorf("unexpected reply %q", resp)
}

// exchange writes cmd and reads one reply line. A write failure, or a
// closed connection before any reply byte, is returned as a staleError.
// exchange MUST be called while holding c.mu.
func (c *Client) exchange(ctx context.Context, cmd string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCommandTimeout)
	}
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		c.drop()
		if isTimeout(err) {
			return "", err
		}
		return "", &staleError{err: err}
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		c.logger.Debug("Daemon read failed, dropping connection", "error", err)
		c.drop()
		if resp == "" && isClosed(err) {
			return "", &staleError{err: err}
		}
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isClosed reports whether err means the peer closed the connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// token rejects arguments that would break the line protocol.
func token(name, v string) error {
	if v == "" || strings.ContainsAny(v, " \t\r\n") {
		return fmt.Errorf("%w: %s %q", storage.ErrInvalidID, name, v)
	}
	return nil
}

func tokens(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := token(kv[i], kv[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "PING")
	return err
}

// GetRaw returns the JSON of a document, or storage.ErrNotFound.
func (c *Client) GetRaw(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if err := tokens("collection", collection, "id", id); err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, fmt.Sprintf("GET %s %s", collection, id))
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) && se.Msg == engine.ErrDocumentNotFound.Error() {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// GetInto decodes a document into v.
func (c *Client) GetInto(ctx context.Context, collection, id string, v any) error {
	raw, err := c.GetRaw(ctx, collection, id)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *Client) Put(ctx context.Context, collection, id string, doc any) error {
	if err := tokens("collection", collection, "id", id); err != nil {
		return err
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, fmt.Sprintf("PUT %s %s %s", collection, id, jsonData))
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := tokens("collection", collection, "id", id); err != nil {
		return err
	}
	_, err := c.roundTrip(ctx, fmt.Sprintf("DEL %s %s", collection, id))
	return err
}

// Append adds val to the list at field with array-union semantics. It
// reports whether the value was new.
func (c *Client) Append(ctx context.Context, collection, id, field string, val any) (bool, error) {
	if err := tokens("collection", collection, "id", id, "field", field); err != nil {
		return false, err
	}
	jsonData, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	resp, err := c.roundTrip(ctx, fmt.Sprintf("APPEND %s %s %s %s", collection, id, field, jsonData))
	if err != nil {
		return false, err
	}
	return resp == "true", nil
}

// SetPath sets a dotted field path inside a document.
func (c *Client) SetPath(ctx context.Context, collection, id, path string, val any) error {
	if err := tokens("collection", collection, "id", id, "path", path); err != nil {
		return err
	}
	jsonData, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, fmt.Sprintf("SET %s %s %s %s", collection, id, path, jsonData))
	return err
}

func (c *Client) List(ctx context.Context, collection string) ([]string, error) {
	if err := token("collection", collection); err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, "LIST "+collection)
	if err != nil {
		return nil, err
	}
	var list []string
	err = json.Unmarshal([]byte(resp), &list)
	return list, err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// --- Generics Support ---

// DocumentReader is anything that can fetch a document as raw JSON.
type DocumentReader interface {
	GetRaw(ctx context.Context, collection, id string) (json.RawMessage, error)
}

// Get retrieves a document decoded into T.
func Get[T any](ctx context.Context, r DocumentReader, collection, id string) (T, error) {
	var target T
	raw, err := r.GetRaw(ctx, collection, id)
	if err != nil {
		return target, err
	}
	err = json.Unmarshal(raw, &target)
	return target, err
}
