package transcript

import "time"

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ErrorIndicatorText replaces the text of an agent turn whose stream failed.
const ErrorIndicatorText = "Error occurred"

// Turn is one entry of the displayed conversation.
type Turn struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Streaming bool      `json:"streaming"`
	Failed    bool      `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeKind names the store mutation that produced a Change.
type ChangeKind string

const (
	ChangeUserTurn   ChangeKind = "user_turn"
	ChangeAgentBegin ChangeKind = "agent_begin"
	ChangeFragment   ChangeKind = "fragment"
	ChangeFinalize   ChangeKind = "finalize"
	ChangeFail       ChangeKind = "fail"
	ChangeSeed       ChangeKind = "seed"
	ChangeReset      ChangeKind = "reset"
)

// Change is delivered to observers after a mutation has been fully applied.
// Turn is a copy of the affected turn; Fragment is only set for ChangeFragment.
// Reset changes carry Index -1 and a zero Turn.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Index    int        `json:"index"`
	Turn     Turn       `json:"turn"`
	Fragment string     `json:"fragment,omitempty"`
}

// Observer receives store changes synchronously. Observers must not mutate
// the store from within the callback.
type Observer func(Change)
