package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Daemon operations.
const (
	OpPing   = "ping"
	OpRead   = "read"
	OpWrite  = "write"
	OpEdit   = "edit"
	OpList   = "ls"
	OpGlob   = "glob"
	OpGrep   = "grep"
	OpExec   = "exec"
	OpCancel = "cancel"
)

// DaemonRequest is one JSON message sent to sandboxd over the websocket.
// Requests are multiplexed by ID; responses may arrive in any order.
type DaemonRequest struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	Path       string `json:"path,omitempty"`
	Content    string `json:"content,omitempty"`
	Old        string `json:"old,omitempty"`
	New        string `json:"new,omitempty"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Cmd        string `json:"cmd,omitempty"`
	TTY        bool   `json:"tty,omitempty"`
	Timeout    int    `json:"timeout,omitempty"` // seconds
}

// DaemonResponse is the reply to a DaemonRequest with the same ID.
type DaemonResponse struct {
	ID           string      `json:"id"`
	Content      string      `json:"content,omitempty"`
	Replacements int         `json:"replacements,omitempty"`
	Entries      []Entry     `json:"entries,omitempty"`
	Paths        []string    `json:"paths,omitempty"`
	Matches      []Match     `json:"matches,omitempty"`
	Exec         *ExecResult `json:"exec,omitempty"`
	Kind         string      `json:"kind,omitempty"` // set on failure
	Error        string      `json:"error,omitempty"`
}

// err rebuilds the typed error carried by a response.
func (r *DaemonResponse) err(op, path string) error {
	if r.Kind == "" {
		return nil
	}
	return &PathError{Op: op, Path: path, Err: errorForKind(r.Kind), Msg: r.Error}
}

var errDaemonClosed = errors.New("daemon connection closed")

// DaemonClient is a multiplexed websocket connection to sandboxd. It is safe
// for concurrent use; many requests may be in flight at once.
type DaemonClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *DaemonResponse
	err     error

	done chan struct{}
}

// DialDaemon connects to sandboxd at url ("ws://host:port/ws" or "http://...").
func DialDaemon(ctx context.Context, url string, header http.Header) (*DaemonClient, error) {
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("daemon dial %s: %w", url, err)
	}
	c := &DaemonClient{
		conn:    conn,
		pending: make(map[string]chan *DaemonResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *DaemonClient) readLoop() {
	defer close(c.done)
	for {
		var resp DaemonResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// fail records the connection error and releases every waiter.
func (c *DaemonClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", errDaemonClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *DaemonClient) send(req DaemonRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(req)
}

// Call sends req and waits for its response. If ctx ends first, a cancel
// request is sent so the daemon stops the work.
func (c *DaemonClient) Call(ctx context.Context, req DaemonRequest) (*DaemonResponse, error) {
	req.ID = fmt.Sprintf("r%d", c.nextID.Add(1))
	ch := make(chan *DaemonResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("daemon send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		_ = c.send(DaemonRequest{ID: req.ID, Op: OpCancel})
		return nil, ctx.Err()
	}
}

func (c *DaemonClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Ping verifies the daemon is responsive.
func (c *DaemonClient) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, DaemonRequest{Op: OpPing})
	if err != nil {
		return err
	}
	return resp.err(OpPing, "")
}

// Alive reports whether the connection is still usable.
func (c *DaemonClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil
}

// Close closes the connection and waits for the reader to exit.
func (c *DaemonClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
