// Package rpc is the embranch tool surface: a JSON-over-unix-socket
// daemon mapping tool operations onto the vector gateway, the Dolt
// driver, and the sync engine. One JSON request per line, one JSON
// response per line.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embranch/embranch/internal/chroma"
	"github.com/embranch/embranch/internal/config"
	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/errkind"
	"github.com/embranch/embranch/internal/initializer"
	"github.com/embranch/embranch/internal/manifest"
	"github.com/embranch/embranch/internal/syncengine"
	"github.com/embranch/embranch/internal/telemetry"
)

const requestTimeout = 120 * time.Second

// Server is the embranch RPC daemon.
type Server struct {
	cfg        *config.Config
	engine     *syncengine.Engine
	gateway    *chroma.Gateway
	init       *initializer.Initializer
	version    string
	initStatus string
	socketPath string
	startedAt  time.Time

	mu              sync.Mutex
	listener        net.Listener
	shutdown        bool
	pendingShutdown atomic.Bool
	readyChan       chan struct{}
	doneChan        chan struct{}
	stopOnce        sync.Once
}

// NewServer wires a daemon. initStatus is the startup reconciliation
// outcome, surfaced by the status tool.
func NewServer(cfg *config.Config, engine *syncengine.Engine, gateway *chroma.Gateway, init *initializer.Initializer, version, initStatus string) *Server {
	return &Server{
		cfg:        cfg,
		engine:     engine,
		gateway:    gateway,
		init:       init,
		version:    version,
		initStatus: initStatus,
		socketPath: SocketPath(cfg.ProjectRoot),
		startedAt:  time.Now(),
		readyChan:  make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// SocketPath is the daemon endpoint under the project state directory.
func SocketPath(root string) string {
	return filepath.Join(root, manifest.DirName, "embranch.sock")
}

// Start listens and serves until Stop is called.
func (s *Server) Start(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to ensure socket directory: %w", err)
	}
	if err := s.removeOldSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		debug.Warnf("rpc: could not set socket permissions: %v", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)
	defer close(s.doneChan)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.shutdown
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// WaitReady closes when the server accepts connections.
func (s *Server) WaitReady() <-chan struct{} { return s.readyChan }

// Stop closes the listener and removes the socket.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()

		if listener != nil {
			if cerr := listener.Close(); cerr != nil {
				err = fmt.Errorf("failed to close listener: %w", cerr)
			}
		}
		if rerr := os.Remove(s.socketPath); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	})

	select {
	case <-s.doneChan:
	case <-time.After(5 * time.Second):
	}
	return err
}

// removeOldSocket clears a stale socket, refusing when another daemon
// answers on it.
func (s *Server) removeOldSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := writeResponse(writer, Response{
				Success: false,
				Error:   string(errkind.InvalidArgument),
				Message: fmt.Sprintf("invalid request: %v", err),
			}); werr != nil {
				return
			}
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		if err := conn.SetWriteDeadline(time.Now().Add(requestTimeout)); err != nil {
			return
		}
		resp := s.handleRequest(&req)
		if err := writeResponse(writer, resp); err != nil {
			return
		}

		if s.pendingShutdown.Load() {
			go func() { _ = s.Stop() }()
			return
		}
	}
}

func writeResponse(writer *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

func (s *Server) handleRequest(req *Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	debug.Logf("rpc: %s request %s", req.Operation, req.RequestID)

	data, err := s.dispatch(ctx, req)
	if err != nil {
		telemetry.CountTool(req.Operation, "error")
		return errResponse(err)
	}
	telemetry.CountTool(req.Operation, "ok")

	resp := Response{Success: true}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			return errResponse(fmt.Errorf("failed to encode response: %w", merr))
		}
		resp.Data = raw
	}
	attachWarning(req.Operation, &resp, s.engine.Checker())
	return resp
}

// errResponse maps a kinded error onto the wire envelope: the kind
// becomes the error code, the action hint becomes a suggestion.
func errResponse(err error) Response {
	resp := Response{
		Success: false,
		Error:   string(errkind.KindOf(err)),
		Message: err.Error(),
	}
	if action := errkind.ActionOf(err); action != "" {
		resp.Suggestions = append(resp.Suggestions, action)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, error) {
	switch req.Operation {
	case OpPing:
		return PingResponse{Message: "pong", Version: s.version}, nil
	case OpStatus:
		return s.handleStatus(ctx), nil
	case OpShutdown:
		s.pendingShutdown.Store(true)
		return map[string]string{"message": "shutting down"}, nil

	case OpCollectionList:
		var args CollectionListArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return s.gateway.ListCollections(ctx, args.Limit, args.Offset)
	case OpCollectionCreate:
		var args CollectionCreateArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.gateway.CreateCollection(ctx, args.Name, args.Metadata, args.EmbeddingFunction)
	case OpCollectionDelete:
		var args CollectionNameArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.gateway.DeleteCollection(ctx, args.Name)
	case OpCollectionCount:
		var args CollectionNameArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		n, err := s.gateway.Count(ctx, args.Name)
		if err != nil {
			return nil, err
		}
		return CollectionCountResult{Name: args.Name, Count: n}, nil

	case OpDocumentAdd:
		var args DocumentAddArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.gateway.AddDocuments(ctx, args.Collection, args.Documents, args.Upsert)
	case OpDocumentGet:
		var args DocumentGetArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return s.gateway.GetDocuments(ctx, args.Collection, args.IDs, args.Where, args.WhereDocument)
	case OpDocumentQuery:
		var args DocumentQueryArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return s.gateway.QueryDocuments(ctx, args.Collection, args.QueryTexts, args.NResults, args.Where, args.WhereDocument)
	case OpDocumentUpdate:
		var args DocumentUpdateArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.gateway.UpdateDocuments(ctx, args.Collection, args.Documents)
	case OpDocumentDelete:
		var args DocumentDeleteArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.gateway.DeleteDocuments(ctx, args.Collection, args.IDs)

	case OpDoltStatus:
		s.engine.RLock()
		defer s.engine.RUnlock()
		return s.engine.Driver().Status(ctx)
	case OpDoltLog:
		var args DoltLogArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		if args.Limit <= 0 {
			args.Limit = 20
		}
		s.engine.RLock()
		defer s.engine.RUnlock()
		return s.engine.Driver().Log(ctx, args.Limit)

	case OpSyncPush:
		var args SyncArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		remote, branch := s.resolveSyncTarget(args)
		return s.engine.ProcessPush(ctx, remote, branch)
	case OpSyncPull:
		var args SyncArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		remote, branch := s.resolveSyncTarget(args)
		return s.engine.ProcessPull(ctx, remote, branch)
	case OpCheckout:
		var args CheckoutArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		if args.Ref == "" {
			return nil, errkind.New(errkind.InvalidArgument, "ref is required")
		}
		return s.engine.ProcessCheckout(ctx, args.Ref, true)

	case OpClone:
		var args CloneArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		if args.URL == "" {
			return nil, errkind.New(errkind.InvalidArgument, "url is required")
		}
		return s.init.Clone(ctx, args.URL, args.Force)
	case OpSetRemote:
		var args SetRemoteArgs
		if err := decode(req.Args, &args); err != nil {
			return nil, err
		}
		if args.URL == "" {
			return nil, errkind.New(errkind.InvalidArgument, "url is required")
		}
		return nil, s.engine.SetRemote(ctx, s.cfg.RemoteName, args.URL)
	}
	return nil, errkind.New(errkind.InvalidArgument, "unknown operation: "+req.Operation)
}

func (s *Server) handleStatus(ctx context.Context) StatusResponse {
	resp := StatusResponse{
		Version:       s.version,
		ProjectRoot:   s.cfg.ProjectRoot,
		RepoPath:      s.cfg.RepoPath,
		SocketPath:    s.socketPath,
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		InitStatus:    s.initStatus,
	}
	if state, err := s.engine.Checker().Check(ctx); err == nil {
		resp.SyncState = state
	} else {
		debug.Warnf("rpc: status sync-state check failed: %v", err)
	}
	return resp
}

// resolveSyncTarget fills in the configured remote and the manifest
// branch when the request leaves them blank.
func (s *Server) resolveSyncTarget(args SyncArgs) (remote, branch string) {
	remote, branch = args.Remote, args.Branch
	if remote == "" {
		remote = s.cfg.RemoteName
	}
	if branch == "" {
		if m, err := manifest.Read(s.cfg.ProjectRoot); err == nil && m != nil {
			if m.Dolt.CurrentBranch != nil && *m.Dolt.CurrentBranch != "" {
				branch = *m.Dolt.CurrentBranch
			} else {
				branch = m.Dolt.DefaultBranch
			}
		}
	}
	if branch == "" {
		branch = "main"
	}
	return remote, branch
}

func decode(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errkind.Wrap(errkind.InvalidArgument, "invalid arguments", err)
	}
	return nil
}
