package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DaemonServer serves the sandboxd websocket protocol on top of a
// DiskBackend. Each connection may carry many concurrent requests.
type DaemonServer struct {
	fs         *DiskBackend
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	maxResults int
}

// NewDaemonServer serves fs. fs should have execution enabled for exec
// requests to succeed.
func NewDaemonServer(fs *DiskBackend, logger *zap.Logger) *DaemonServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DaemonServer{
		fs:         fs,
		logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024},
		maxResults: 10_000,
	}
}

func (s *DaemonServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(32 << 20)

	log := s.logger.With(zap.String("remote", r.RemoteAddr))
	log.Debug("sandbox client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		running = make(map[string]context.CancelFunc)
	)

	for {
		var req DaemonRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("sandbox connection read ended", zap.Error(err))
			}
			break
		}
		if req.Op == OpCancel {
			mu.Lock()
			if stop, ok := running[req.ID]; ok {
				stop()
			}
			mu.Unlock()
			continue
		}

		rctx, rcancel := context.WithCancel(ctx)
		mu.Lock()
		running[req.ID] = rcancel
		mu.Unlock()

		wg.Add(1)
		go func(req DaemonRequest) {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(running, req.ID)
				mu.Unlock()
				rcancel()
			}()

			start := time.Now()
			resp := s.handle(rctx, req)
			resp.ID = req.ID
			log.Debug("sandbox request",
				zap.String("id", req.ID),
				zap.String("op", req.Op),
				zap.String("path", req.Path),
				zap.String("kind", resp.Kind),
				zap.Duration("took", time.Since(start)))

			if rctx.Err() != nil && ctx.Err() != nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(resp); err != nil {
				log.Debug("sandbox response write failed", zap.Error(err))
			}
		}(req)
	}

	cancel()
	wg.Wait()
	log.Debug("sandbox client disconnected")
}

func (s *DaemonServer) handle(ctx context.Context, req DaemonRequest) DaemonResponse {
	switch req.Op {
	case OpPing:
		return DaemonResponse{}

	case OpRead:
		content, err := s.fs.Read(ctx, req.Path, req.Offset, req.Limit)
		if err != nil {
			return errResponse(err)
		}
		return DaemonResponse{Content: content}

	case OpWrite:
		if err := s.fs.Write(ctx, req.Path, req.Content); err != nil {
			return errResponse(err)
		}
		return DaemonResponse{}

	case OpEdit:
		n, err := s.fs.Edit(ctx, req.Path, req.Old, req.New, req.ReplaceAll)
		if err != nil {
			return errResponse(err)
		}
		return DaemonResponse{Replacements: n}

	case OpList:
		entries, err := s.fs.List(ctx, req.Path)
		if err != nil {
			return errResponse(err)
		}
		return DaemonResponse{Entries: entries}

	case OpGlob:
		var resp DaemonResponse
		for p, err := range s.fs.Glob(ctx, req.Pattern, req.Path) {
			if err != nil {
				return errResponse(err)
			}
			resp.Paths = append(resp.Paths, p)
			if len(resp.Paths) >= s.maxResults {
				break
			}
		}
		return resp

	case OpGrep:
		var resp DaemonResponse
		for m, err := range s.fs.Search(ctx, req.Pattern, req.Path) {
			if err != nil {
				return errResponse(err)
			}
			resp.Matches = append(resp.Matches, m)
			if len(resp.Matches) >= s.maxResults {
				break
			}
		}
		return resp

	case OpExec:
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
			defer cancel()
		}
		var (
			res *ExecResult
			err error
		)
		if req.TTY {
			res, err = s.execTTY(ctx, req.Cmd)
		} else {
			res, err = s.fs.Execute(ctx, req.Cmd)
		}
		if err != nil {
			return errResponse(err)
		}
		return DaemonResponse{Exec: res}

	default:
		return errResponse(pathErr(req.Op, req.Path, ErrUnsupported, "unknown op %q", req.Op))
	}
}

// execTTY runs command attached to a pseudo-terminal. Stdout and stderr
// are merged, as a terminal would show them.
func (s *DaemonServer) execTTY(ctx context.Context, command string) (*ExecResult, error) {
	if !s.fs.exec {
		return nil, pathErr("execute", "", ErrUnsupported, "execution is disabled for this backend")
	}
	ctx, cancel := context.WithTimeout(ctx, s.fs.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.fs.root
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	// Reading the pty master fails with EIO once the child exits.
	_, _ = io.Copy(&out, f)
	waitErr := cmd.Wait()
	f.Close()
	return s.fs.buildResult(ctx, out.String(), "", waitErr)
}

func errResponse(err error) DaemonResponse {
	resp := DaemonResponse{Kind: Kind(err), Error: err.Error()}
	var pe *PathError
	if errors.As(err, &pe) {
		resp.Error = pe.Msg
		if resp.Error == "" && resp.Kind == "backend_fault" {
			resp.Error = pe.Err.Error()
		}
	}
	return resp
}
