package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

// InMemoryArchive is a size-limited, in-memory Archive implementation.
// It mirrors the ordering and dedupe semantics of the SQLite archive.
type InMemoryArchive struct {
	mu                 sync.Mutex
	maxTurnsPerSession int
	sessions           map[string]*inMemSession
	now                func() time.Time
}

type inMemSession struct {
	turns          map[string]TurnRecord
	snapshots      []HistorySnapshot
	lastActivityMs int64
}

var _ Archive = &InMemoryArchive{}

func NewInMemoryArchive(maxTurnsPerSession int) *InMemoryArchive {
	if maxTurnsPerSession <= 0 {
		maxTurnsPerSession = 5000
	}
	return &InMemoryArchive{
		maxTurnsPerSession: maxTurnsPerSession,
		sessions:           map[string]*inMemSession{},
		now:                time.Now,
	}
}

func (s *InMemoryArchive) Close() error { return nil }

func (s *InMemoryArchive) session(id string) *inMemSession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &inMemSession{turns: map[string]TurnRecord{}}
		s.sessions[id] = sess
	}
	return sess
}

func (s *InMemoryArchive) SaveTurn(_ context.Context, sessionID string, index int, turn transcript.Turn) error {
	if s == nil {
		return errors.New("in-memory archive: nil archive")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("in-memory archive: sessionID is empty")
	}
	if strings.TrimSpace(turn.ID) == "" {
		return errors.New("in-memory archive: turnID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	sess.turns[turn.ID] = turnRecord(sessionID, index, turn)
	sess.lastActivityMs = s.now().UnixMilli()

	if len(sess.turns) > s.maxTurnsPerSession {
		var oldestID string
		oldest := int(^uint(0) >> 1)
		for id, rec := range sess.turns {
			if rec.TurnIndex < oldest {
				oldest, oldestID = rec.TurnIndex, id
			}
		}
		delete(sess.turns, oldestID)
	}
	return nil
}

func (s *InMemoryArchive) ListTurns(_ context.Context, q TurnQuery) ([]TurnRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory archive: nil archive")
	}
	if strings.TrimSpace(q.SessionID) == "" {
		return nil, errors.New("in-memory archive: sessionID is empty")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[q.SessionID]
	if !ok {
		return []TurnRecord{}, nil
	}
	items := make([]TurnRecord, 0, len(sess.turns))
	for _, rec := range sess.turns {
		if q.Speaker != "" && rec.Speaker != q.Speaker {
			continue
		}
		if q.SinceMs > 0 && rec.CreatedAtMs < q.SinceMs {
			continue
		}
		items = append(items, rec)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TurnIndex < items[j].TurnIndex })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *InMemoryArchive) SaveHistorySnapshot(_ context.Context, sessionID string, history []checkpoints.Checkpoint) error {
	if s == nil {
		return errors.New("in-memory archive: nil archive")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("in-memory archive: sessionID is empty")
	}
	hash, err := ComputeSnapshotHash(history)
	if err != nil {
		return errors.Wrap(err, "in-memory archive: hash snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	now := s.now().UnixMilli()
	sess.lastActivityMs = now
	if n := len(sess.snapshots); n > 0 && sess.snapshots[n-1].ContentHash == hash {
		return nil
	}
	cps := make([]checkpoints.Checkpoint, len(history))
	copy(cps, history)
	sess.snapshots = append(sess.snapshots, HistorySnapshot{
		SessionID:   sessionID,
		ContentHash: hash,
		FetchedAtMs: now,
		Checkpoints: cps,
	})
	return nil
}

func (s *InMemoryArchive) LatestHistorySnapshot(_ context.Context, sessionID string) (HistorySnapshot, bool, error) {
	if s == nil {
		return HistorySnapshot{}, false, errors.New("in-memory archive: nil archive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.snapshots) == 0 {
		return HistorySnapshot{}, false, nil
	}
	return sess.snapshots[len(sess.snapshots)-1], true, nil
}

func (s *InMemoryArchive) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory archive: nil archive")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionRecord{
			SessionID:      id,
			TurnCount:      len(sess.turns),
			Snapshots:      len(sess.snapshots),
			LastActivityMs: sess.lastActivityMs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs != out[j].LastActivityMs {
			return out[i].LastActivityMs > out[j].LastActivityMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
