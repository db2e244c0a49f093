// Package daemon serves the local status API over a unix domain socket:
// health, live and recent sessions, and remote terminate. Access is limited
// to the owning user via socket mode and a peer-credential check.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/g960059/termgram/internal/api"
	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/history"
	"github.com/g960059/termgram/internal/model"
	"github.com/g960059/termgram/internal/registry"
)

const recentJournalLimit = 50

type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	journal *history.Store

	httpSrv  *http.Server
	fileLock *flock.Flock

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, reg *registry.Registry, journal *history.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		journal: journal,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	return s
}

// Start listens on the unix socket and serves until ctx is cancelled. It
// refuses to start while another daemon holds the instance lock.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	s.fileLock = flock.New(s.cfg.SocketPath + ".lock")
	locked, err := s.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("termgramd already running (lock held by another process)")
	}

	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			_ = s.fileLock.Unlock()
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			_ = s.fileLock.Unlock()
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		_ = s.fileLock.Unlock()
		return fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		_ = s.fileLock.Unlock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		_ = s.fileLock.Unlock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.httpSrv.ConnContext = func(connCtx context.Context, conn net.Conn) context.Context {
		if err := verifyPeer(conn); err != nil {
			_ = conn.Close()
		}
		return connCtx
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if s.fileLock != nil {
			if err := s.fileLock.Unlock(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// verifyPeer rejects connections from other users on the socket.
func verifyPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("status api requires unix domain socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("peer syscall conn: %w", err)
	}
	var peerUID uint32
	var controlErr error
	if err := raw.Control(func(fd uintptr) {
		creds, credErr := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if credErr != nil {
			controlErr = credErr
			return
		}
		peerUID = creds.Uid
	}); err != nil {
		return fmt.Errorf("peer control: %w", err)
	}
	if controlErr != nil {
		return fmt.Errorf("peer credentials: %w", controlErr)
	}
	if peerUID != uint32(os.Getuid()) {
		return fmt.Errorf("peer uid mismatch")
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.SessionsResponse{GeneratedAt: time.Now().UTC()}
	for _, sess := range s.reg.List() {
		summary := api.SessionSummary{
			SessionID:   sess.ID(),
			Command:     sess.Command(),
			State:       string(sess.State()),
			Interactive: sess.Interactive(),
			StartedAt:   sess.StartedAt(),
			Terminated:  sess.WasTerminated(),
			RunTime:     sess.RunTime().Round(time.Second).String(),
		}
		if doneAt, ok := sess.DoneAt(); ok {
			summary.DoneAt = &doneAt
		}
		resp.Live = append(resp.Live, summary)
	}
	if s.journal != nil {
		entries, err := s.journal.ListRecent(r.Context(), recentJournalLimit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeNotFound, fmt.Sprintf("list journal: %v", err))
			return
		}
		for _, entry := range entries {
			resp.Recent = append(resp.Recent, api.JournalRow{
				EntryID:    entry.EntryID,
				SessionID:  entry.SessionID,
				Command:    entry.Command,
				StartedAt:  entry.StartedAt,
				DoneAt:     entry.DoneAt,
				Terminated: entry.Terminated,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || parts[1] != "terminate" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeNotFound, "invalid session id")
		return
	}
	sess, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	sess.Terminate()
	s.writeJSON(w, http.StatusOK, api.TerminateResponse{
		SessionID: sess.ID(),
		State:     string(sess.State()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "termgramd: write response: %v\n", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Code: code, Message: message})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeNotFound, "method not allowed")
}
