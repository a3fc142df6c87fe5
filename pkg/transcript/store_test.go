package transcript

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func countStreaming(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Streaming {
			n++
		}
	}
	return n
}

func TestStore_AppendUserTurnIgnoresBlank(t *testing.T) {
	s := NewStore()
	require.False(t, s.AppendUserTurn(""))
	require.False(t, s.AppendUserTurn("   \n\t"))
	require.Equal(t, 0, s.Len())

	require.True(t, s.AppendUserTurn("hi"))
	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, SpeakerUser, last.Speaker)
	require.Equal(t, "hi", last.Text)
	require.False(t, last.Streaming)
	require.NotEmpty(t, last.ID)
}

func TestStore_StreamingLifecycle(t *testing.T) {
	s := NewStore()
	require.True(t, s.AppendUserTurn("question"))
	require.True(t, s.BeginAgentTurn())
	require.False(t, s.BeginAgentTurn(), "second streaming turn must be rejected")

	require.True(t, s.AppendStreamFragment("par"))
	require.True(t, s.AppendStreamFragment("tial"))
	cur, ok := s.Streaming()
	require.True(t, ok)
	require.Equal(t, "partial", cur.Text)

	require.True(t, s.FinalizeStreamingTurn("final"))
	require.False(t, s.IsStreaming())
	last, _ := s.Last()
	require.Equal(t, "final", last.Text)
	require.Equal(t, SpeakerAgent, last.Speaker)

	// finalize re-enables begin
	require.True(t, s.BeginAgentTurn())
}

func TestStore_AppendUserTurnRejectedWhileStreaming(t *testing.T) {
	s := NewStore()
	require.True(t, s.AppendUserTurn("q"))
	require.True(t, s.BeginAgentTurn())
	require.True(t, s.AppendStreamFragment("partial"))

	require.False(t, s.AppendUserTurn("again"))
	require.Equal(t, 2, s.Len())
	last, _ := s.Last()
	require.True(t, last.Streaming)

	require.True(t, s.FinalizeStreamingTurn("partial"))
	require.True(t, s.AppendUserTurn("again"))
	require.Equal(t, 3, s.Len())
}

func TestStore_PreconditionViolationsAreNoops(t *testing.T) {
	s := NewStore()
	require.False(t, s.AppendStreamFragment("x"))
	require.False(t, s.FinalizeStreamingTurn("x"))
	require.False(t, s.FailStreamingTurn("boom"))
	require.Equal(t, 0, s.Len())
}

func TestStore_FailStreamingTurn(t *testing.T) {
	s := NewStore()
	require.True(t, s.AppendUserTurn("q"))
	require.True(t, s.BeginAgentTurn())
	require.True(t, s.AppendStreamFragment("half"))
	require.True(t, s.FailStreamingTurn("connection reset"))

	turns := s.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, ErrorIndicatorText, turns[1].Text)
	require.True(t, turns[1].Failed)
	require.Equal(t, "connection reset", turns[1].Error)
	require.False(t, turns[1].Streaming)
	require.Equal(t, "q", turns[0].Text)
}

func TestStore_StreamingInvariantRandomOps(t *testing.T) {
	s := NewStore()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		switch rng.Intn(6) {
		case 5:
			s.Seed("g")
		case 0:
			s.AppendUserTurn("u")
		case 1:
			s.BeginAgentTurn()
		case 2:
			s.AppendStreamFragment("f")
		case 3:
			s.FinalizeStreamingTurn("done")
		case 4:
			s.FailStreamingTurn("err")
		}
		turns := s.Turns()
		n := countStreaming(turns)
		require.LessOrEqual(t, n, 1)
		if n == 1 {
			require.True(t, turns[len(turns)-1].Streaming, "streaming turn must be last")
		}
	}
}

func TestStore_ObserversSeeCompleteMutations(t *testing.T) {
	s := NewStore()
	var kinds []ChangeKind
	var texts []string
	unsubscribe := s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		// reading from an observer is allowed
		cur, ok := s.Streaming()
		if ok {
			require.Equal(t, cur.Text, c.Turn.Text)
		}
		texts = append(texts, c.Turn.Text)
	})

	s.AppendUserTurn("hi")
	s.BeginAgentTurn()
	s.AppendStreamFragment("a")
	s.AppendStreamFragment("b")
	s.FinalizeStreamingTurn("ab!")

	require.Equal(t, []ChangeKind{ChangeUserTurn, ChangeAgentBegin, ChangeFragment, ChangeFragment, ChangeFinalize}, kinds)
	require.Equal(t, []string{"hi", "", "a", "ab", "ab!"}, texts)

	unsubscribe()
	s.Reset()
	require.Len(t, kinds, 5)
	require.Equal(t, 0, s.Len())
}

func TestStore_SeedAndReset(t *testing.T) {
	s := NewStore()
	require.True(t, s.Seed("Hello, how can I assist you today?"))
	require.True(t, s.BeginAgentTurn())
	require.False(t, s.Seed("ignored while streaming"))
	s.Reset()
	require.Equal(t, 0, s.Len())
	require.False(t, s.IsStreaming())
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore()
	s.AppendUserTurn("q")
	s.BeginAgentTurn()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Turns()
			}
		}()
	}
	for j := 0; j < 200; j++ {
		s.AppendStreamFragment("x")
	}
	wg.Wait()
	cur, ok := s.Streaming()
	require.True(t, ok)
	require.Len(t, cur.Text, 200)
}
