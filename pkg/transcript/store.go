package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the ordered, append-only log of turns for one conversation.
//
// At most one turn is streaming at any time and it is always the last turn.
// Mutations are serialized; each one is applied completely before observers
// are called, so no observer ever sees a half-applied fragment. Observers may
// read the store from their callback.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	turns   []Turn

	obsMu     sync.Mutex
	observers []observerEntry
	nextObsID int

	now func() time.Time
}

type observerEntry struct {
	id int
	fn Observer
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it again.
func (s *Store) Subscribe(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, e := range s.observers {
			if e.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(c Change) {
	s.obsMu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, e := range s.observers {
		obs = append(obs, e.fn)
	}
	s.obsMu.Unlock()
	for _, fn := range obs {
		fn(c)
	}
}

// mutate runs apply under the write lock and notifies observers with the
// change it returns, if any.
func (s *Store) mutate(apply func() (Change, bool)) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	c, ok := apply()
	s.mu.Unlock()

	if ok {
		s.notify(c)
	}
	return ok
}

func (s *Store) newTurn(speaker Speaker, text string, streaming bool) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Streaming: streaming,
		CreatedAt: s.now(),
	}
}

// streamingIndexLocked returns the index of the streaming turn or -1.
func (s *Store) streamingIndexLocked() int {
	n := len(s.turns)
	if n > 0 && s.turns[n-1].Streaming {
		return n - 1
	}
	return -1
}

// AppendUserTurn appends a user turn. Blank text is ignored and reported as
// false. It is also rejected while a turn is streaming, so the streaming turn
// stays last; settle or fail it first.
func (s *Store) AppendUserTurn(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return s.mutate(func() (Change, bool) {
		if s.streamingIndexLocked() >= 0 {
			return Change{}, false
		}
		t := s.newTurn(SpeakerUser, text, false)
		s.turns = append(s.turns, t)
		return Change{Kind: ChangeUserTurn, Index: len(s.turns) - 1, Turn: t}, true
	})
}

// Seed appends a finished agent turn, used for the greeting of a new
// conversation. It is ignored while a turn is streaming.
func (s *Store) Seed(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return s.mutate(func() (Change, bool) {
		if s.streamingIndexLocked() >= 0 {
			return Change{}, false
		}
		t := s.newTurn(SpeakerAgent, text, false)
		s.turns = append(s.turns, t)
		return Change{Kind: ChangeSeed, Index: len(s.turns) - 1, Turn: t}, true
	})
}

// BeginAgentTurn opens an empty streaming agent turn. It returns false when
// another turn is already streaming.
func (s *Store) BeginAgentTurn() bool {
	ok := s.mutate(func() (Change, bool) {
		if s.streamingIndexLocked() >= 0 {
			return Change{}, false
		}
		t := s.newTurn(SpeakerAgent, "", true)
		s.turns = append(s.turns, t)
		return Change{Kind: ChangeAgentBegin, Index: len(s.turns) - 1, Turn: t}, true
	})
	if !ok {
		log.Debug().Str("component", "transcript").Msg("begin agent turn ignored: a turn is already streaming")
	}
	return ok
}

// AppendStreamFragment appends fragment to the streaming turn, if any.
func (s *Store) AppendStreamFragment(fragment string) bool {
	if fragment == "" {
		return false
	}
	return s.mutate(func() (Change, bool) {
		idx := s.streamingIndexLocked()
		if idx < 0 {
			return Change{}, false
		}
		s.turns[idx].Text += fragment
		return Change{Kind: ChangeFragment, Index: idx, Turn: s.turns[idx], Fragment: fragment}, true
	})
}

// FinalizeStreamingTurn replaces the streaming turn's text with finalText and
// closes it.
func (s *Store) FinalizeStreamingTurn(finalText string) bool {
	return s.mutate(func() (Change, bool) {
		idx := s.streamingIndexLocked()
		if idx < 0 {
			return Change{}, false
		}
		s.turns[idx].Text = finalText
		s.turns[idx].Streaming = false
		return Change{Kind: ChangeFinalize, Index: idx, Turn: s.turns[idx]}, true
	})
}

// FailStreamingTurn closes the streaming turn with ErrorIndicatorText. message
// is kept on the turn for diagnostics but is not displayed as its text.
func (s *Store) FailStreamingTurn(message string) bool {
	return s.mutate(func() (Change, bool) {
		idx := s.streamingIndexLocked()
		if idx < 0 {
			return Change{}, false
		}
		s.turns[idx].Text = ErrorIndicatorText
		s.turns[idx].Streaming = false
		s.turns[idx].Failed = true
		s.turns[idx].Error = message
		return Change{Kind: ChangeFail, Index: idx, Turn: s.turns[idx]}, true
	})
}

// Reset discards the whole transcript.
func (s *Store) Reset() {
	s.mutate(func() (Change, bool) {
		s.turns = nil
		return Change{Kind: ChangeReset, Index: -1}, true
	})
}

// Turns returns a copy of all turns.
func (s *Store) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn.
func (s *Store) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Streaming returns the streaming turn, if any.
func (s *Store) Streaming() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.streamingIndexLocked()
	if idx < 0 {
		return Turn{}, false
	}
	return s.turns[idx], true
}

// IsStreaming reports whether a turn is currently streaming.
func (s *Store) IsStreaming() bool {
	_, ok := s.Streaming()
	return ok
}
