package webbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/redisstream"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

type scriptedAgent struct {
	mu         sync.Mutex
	reply      string
	history    []checkpoints.Checkpoint
	historyErr error
	branches   []conversation.BranchRequest
	// hold, when set, blocks reads of the reply until it is closed.
	hold chan struct{}
}

type heldBody struct {
	hold <-chan struct{}
	r    io.Reader
}

func (b *heldBody) Read(p []byte) (int, error) {
	<-b.hold
	return b.r.Read(p)
}

func (a *scriptedAgent) Run(context.Context, string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hold != nil {
		return io.NopCloser(&heldBody{hold: a.hold, r: strings.NewReader(a.reply)}), nil
	}
	return io.NopCloser(strings.NewReader(a.reply)), nil
}

func (a *scriptedAgent) Branch(_ context.Context, checkpointID, message string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.branches = append(a.branches, conversation.BranchRequest{SourceCheckpointID: checkpointID, EditedMessage: message})
	return io.NopCloser(strings.NewReader(a.reply)), nil
}

func (a *scriptedAgent) History(context.Context) ([]checkpoints.Checkpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history, a.historyErr
}

func newTestServer(t *testing.T, agent *scriptedAgent) (*Server, *httptest.Server) {
	t.Helper()
	session, err := conversation.NewSession(conversation.Options{Backend: agent, Greeting: conversation.DefaultGreeting})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	bus, err := redisstream.BuildBus(redisstream.Settings{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	srv, err := NewServer(session, bus)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServer_SendWaitReturnsSettledTurn(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAgent{reply: "AIMessage(content='It is 42')"})

	status, body := post(t, ts.URL+"/api/send?wait=1", map[string]string{"message": "answer?"})
	require.Equal(t, http.StatusOK, status)
	turn := body["turn"].(map[string]any)
	require.Equal(t, "It is 42", turn["text"])
	require.Equal(t, "agent", turn["speaker"])

	status, body = get(t, ts.URL+"/api/transcript")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["turns"], 3)
	require.Equal(t, true, body["can_visualize"])
}

func TestServer_SendValidation(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAgent{})

	status, _ := post(t, ts.URL+"/api/send", map[string]string{"message": "  "})
	require.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Post(ts.URL+"/api/send", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/send")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ConcurrentSendsAdmitOnlyOne(t *testing.T) {
	hold := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(hold) }) }
	srv, ts := newTestServer(t, &scriptedAgent{reply: "AIMessage(content='ok')", hold: hold})
	t.Cleanup(unblock)

	const n = 8
	statuses := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/api/send", "application/json", strings.NewReader(`{"message":"hi"}`))
			if err != nil {
				statuses <- -1
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for st := range statuses {
		counts[st]++
	}
	require.Equal(t, map[int]int{http.StatusAccepted: 1, http.StatusConflict: n - 1}, counts)
	require.True(t, srv.session.Busy())

	unblock()
	require.Eventually(t, func() bool { return !srv.session.Busy() }, 2*time.Second, 10*time.Millisecond)
	turns := srv.session.Store().Turns()
	require.Len(t, turns, 3)
	require.Equal(t, "ok", turns[2].Text)
}

func TestServer_WebsocketStreamsChanges(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAgent{reply: "AIMessage(content='The answer is **42**')"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, FrameSnapshot, hello.Type)
	require.Len(t, hello.Turns, 1)
	require.Equal(t, conversation.DefaultGreeting, hello.Turns[0].Text)

	status, _ := post(t, ts.URL+"/api/send?wait=1", map[string]string{"message": "answer?"})
	require.Equal(t, http.StatusOK, status)

	var kinds []transcript.ChangeKind
	var final Frame
	var lastSeq uint64
	for final.Kind != transcript.ChangeFinalize {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var fr Frame
		require.NoError(t, conn.ReadJSON(&fr))
		require.Equal(t, FrameChange, fr.Type)
		require.Greater(t, fr.Seq, lastSeq)
		lastSeq = fr.Seq
		kinds = append(kinds, fr.Kind)
		final = fr
	}

	require.Equal(t, transcript.ChangeUserTurn, kinds[0])
	require.Equal(t, transcript.ChangeAgentBegin, kinds[1])
	require.Contains(t, kinds, transcript.ChangeFragment)
	require.Equal(t, "The answer is **42**", final.Turn.Text)
	require.Contains(t, final.HTML, "<strong>42</strong>")
}

func TestServer_BranchFlow(t *testing.T) {
	agent := &scriptedAgent{
		reply: "AIMessage(content='cloudy')",
		history: []checkpoints.Checkpoint{
			{ID: "cp-a", SequenceIndex: 0, RecordedMessage: "start"},
			{ID: "cp-b", SequenceIndex: 1, RecordedMessage: "weather?"},
		},
	}
	_, ts := newTestServer(t, agent)

	status, _ := post(t, ts.URL+"/api/send?wait=1", map[string]string{"message": "weather?"})
	require.Equal(t, http.StatusOK, status)

	status, graph := get(t, ts.URL+"/api/graph?refresh=1")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, graph["nodes"], 2)
	require.Len(t, graph["edges"], 1)

	status, body := post(t, ts.URL+"/api/branch/select", map[string]string{"checkpoint_id": "cp-missing"})
	require.Equal(t, http.StatusNotFound, status)

	status, body = post(t, ts.URL+"/api/branch/confirm", nil)
	require.Equal(t, http.StatusConflict, status, body)

	status, body = post(t, ts.URL+"/api/branch/select", map[string]string{"checkpoint_id": "cp-b"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "editing", body["state"])
	require.Equal(t, "weather?", body["draft"])

	status, body = post(t, ts.URL+"/api/branch/edit", map[string]string{"message": "weather in Oslo?"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "weather in Oslo?", body["draft"])

	agent.mu.Lock()
	agent.reply = "AIMessage(content='snow in Oslo')"
	agent.mu.Unlock()

	status, body = post(t, ts.URL+"/api/branch/confirm?wait=1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "snow in Oslo", body["turn"].(map[string]any)["text"])

	agent.mu.Lock()
	require.Equal(t, []conversation.BranchRequest{{SourceCheckpointID: "cp-b", EditedMessage: "weather in Oslo?"}}, agent.branches)
	agent.mu.Unlock()

	status, body = post(t, ts.URL+"/api/branch/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "idle", body["state"])
}

func TestServer_GraphRefreshFailureKeepsSnapshot(t *testing.T) {
	agent := &scriptedAgent{
		reply:   "AIMessage(content='ok')",
		history: []checkpoints.Checkpoint{{ID: "cp-a", RecordedMessage: "hi"}},
	}
	_, ts := newTestServer(t, agent)

	status, _ := get(t, ts.URL+"/api/graph?refresh=1")
	require.Equal(t, http.StatusOK, status)

	agent.mu.Lock()
	agent.historyErr = errors.New("backend down")
	agent.mu.Unlock()

	status, body := get(t, ts.URL+"/api/graph?refresh=true")
	require.Equal(t, http.StatusBadGateway, status)
	require.Contains(t, body["error"], "backend down")
	require.Len(t, body["graph"].(map[string]any)["nodes"], 1)

	status, body = get(t, ts.URL+"/api/graph")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["nodes"], 1)
}

func TestHTMLRenderer_Sanitizes(t *testing.T) {
	out := NewHTMLRenderer().Render("hello <script>alert(1)</script> *there*")
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "<em>there</em>")
}
