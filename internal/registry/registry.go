package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/history"
	"github.com/g960059/termgram/internal/model"
	"github.com/g960059/termgram/internal/render"
	"github.com/g960059/termgram/internal/security"
	"github.com/g960059/termgram/internal/session"
)

// ErrNotFound reports a lookup for a session that never existed or has
// already been reaped. Callers answer with a "no longer exists" notice
// instead of failing.
var ErrNotFound = errors.New("session not found")

// Registry is the process-wide mapping of session id to live session.
type Registry struct {
	mu       sync.Mutex
	host     session.Host
	sessions map[int]*session.Session

	// journal is optional; a nil store disables the audit trail.
	journal *history.Store
}

func New(host session.Host, journal *history.Store) *Registry {
	return &Registry{
		host:     host,
		sessions: map[int]*session.Session{},
		journal:  journal,
	}
}

// Create spawns command and registers the resulting session under its pid.
func (r *Registry) Create(ctx context.Context, command string, requestID int) (*session.Session, error) {
	sess, err := session.Spawn(r.host, command, requestID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()

	if r.journal != nil {
		// The audit trail keeps the command shape, never inline secrets.
		entry := model.JournalEntry{
			EntryID:   uuid.NewString(),
			SessionID: sess.ID(),
			Command:   security.RedactCommand(command),
			RequestID: requestID,
			StartedAt: sess.StartedAt(),
		}
		if err := r.journal.InsertEntry(ctx, entry); err != nil {
			logErr(fmt.Sprintf("journal session %d", sess.ID()), err)
		}
	}
	return sess, nil
}

func (r *Registry) Get(id int) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns live sessions ordered by id.
func (r *Registry) List() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Remove(id int) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ReapOnce evicts sessions that finished more than lifetime ago and deletes
// their derived render artifacts. Missing files are not errors.
func (r *Registry) ReapOnce(now time.Time, lifetime time.Duration, scratchDir string) {
	r.mu.Lock()
	stale := make([]int, 0)
	for id, sess := range r.sessions {
		doneAt, done := sess.DoneAt()
		if done && now.Sub(doneAt) > lifetime {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, id := range stale {
		silentRemove(render.HTMLPath(scratchDir, id))
		silentRemove(render.ImagePath(scratchDir, id))
	}
}

// StartReaper runs the periodic purge until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, cfg config.Config) {
	run := func() {
		r.ReapOnce(time.Now().UTC(), cfg.DoneLifetime, cfg.ScratchDir)
	}
	go func() {
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func silentRemove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logErr("remove artifact "+path, err)
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: %s: %v\n", scope, err)
}
