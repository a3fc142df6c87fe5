package checkpoints

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Checkpoint is one recorded point of the agent's execution history.
// Checkpoints are read-only projections of the backend history.
type Checkpoint struct {
	ID              string `json:"id" yaml:"id"`
	SequenceIndex   int    `json:"sequence_index" yaml:"sequence_index"`
	RecordedMessage string `json:"recorded_message" yaml:"recorded_message"`
	RecordedOutput  string `json:"recorded_output,omitempty" yaml:"recorded_output,omitempty"`
	ThreadID        string `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	// Synthetic is true when the backend record had no identifier and ID is
	// "#" plus the record's position. Such ids are only stable within one
	// fetch.
	Synthetic bool `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// Label is the display name of the checkpoint ("Checkpoint 1" for index 0).
func (c Checkpoint) Label() string {
	return "Checkpoint " + strconv.Itoa(c.SequenceIndex+1)
}

// ErrMalformedHistory is returned when a history payload is not JSON at all.
// Individual malformed records never produce an error.
var ErrMalformedHistory = errors.New("malformed history payload")

var (
	wrapperKeys  = []string{"history", "checkpoints", "states", "data"}
	idPaths      = []string{"checkpoint_id", "id", "config.configurable.checkpoint_id"}
	messagePaths = []string{"most_recent_message", "message", "recorded_message"}
	outputPaths  = []string{"output", "most_recent_output", "recorded_output"}
	threadPaths  = []string{"thread_id", "threadId", "config.configurable.thread_id"}
)

// Normalize maps a backend history payload onto canonical Checkpoints.
//
// The payload is either a JSON array of records or an object wrapping one
// under "history", "checkpoints", "states" or "data". Each record's fields are
// looked up under the aliases the backend has used over time; missing ids
// fall back to "#" plus the record's array index.
func Normalize(raw []byte) ([]Checkpoint, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []Checkpoint{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, errors.Wrap(ErrMalformedHistory, "invalid json")
	}
	root := gjson.ParseBytes(raw)

	var records []gjson.Result
	switch {
	case root.IsArray():
		records = root.Array()
	case root.IsObject():
		for _, k := range wrapperKeys {
			if v := root.Get(k); v.IsArray() {
				records = v.Array()
				break
			}
		}
		if records == nil {
			// a single record
			records = []gjson.Result{root}
		}
	default:
		return nil, errors.Wrapf(ErrMalformedHistory, "unexpected json type %s", root.Type)
	}

	out := make([]Checkpoint, 0, len(records))
	for i, r := range records {
		out = append(out, normalizeRecord(i, r))
	}
	dedupeSynthetic(out)
	return out, nil
}

func syntheticID(index int) string {
	return "#" + strconv.Itoa(index)
}

// dedupeSynthetic prefixes synthetic ids until none equals a backend id.
func dedupeSynthetic(cps []Checkpoint) {
	backend := make(map[string]struct{}, len(cps))
	for _, cp := range cps {
		if !cp.Synthetic {
			backend[cp.ID] = struct{}{}
		}
	}
	for i := range cps {
		if !cps[i].Synthetic {
			continue
		}
		for {
			if _, taken := backend[cps[i].ID]; !taken {
				break
			}
			cps[i].ID = "#" + cps[i].ID
		}
	}
}

func normalizeRecord(index int, r gjson.Result) Checkpoint {
	cp := Checkpoint{SequenceIndex: index}
	if !r.IsObject() {
		log.Debug().Str("component", "checkpoints").Int("index", index).Msg("history record is not an object, using defaults")
		cp.ID = syntheticID(index)
		cp.Synthetic = true
		return cp
	}

	cp.ID = firstString(r, idPaths)
	if cp.ID == "" {
		cp.ID = syntheticID(index)
		cp.Synthetic = true
	}
	cp.RecordedMessage = firstString(r, messagePaths)
	if cp.RecordedMessage == "" {
		cp.RecordedMessage = lastMessageContent(r)
	}
	cp.RecordedOutput = firstString(r, outputPaths)
	cp.ThreadID = firstString(r, threadPaths)
	return cp
}

func firstString(r gjson.Result, paths []string) string {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return v.String()
		}
	}
	return ""
}

// lastMessageContent handles LangGraph-style snapshots that only carry a
// values.messages list.
func lastMessageContent(r gjson.Result) string {
	msgs := r.Get("values.messages")
	if !msgs.IsArray() {
		return ""
	}
	arr := msgs.Array()
	if len(arr) == 0 {
		return ""
	}
	last := arr[len(arr)-1]
	if last.IsObject() {
		return last.Get("content").String()
	}
	return last.String()
}
