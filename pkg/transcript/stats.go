package transcript

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the token count of text with cl100k_base.
// It returns 0 if the codec is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		log.Debug().Err(err).Str("component", "transcript").Msg("tokenizer unavailable")
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// Stats summarizes a transcript.
type Stats struct {
	UserTurns   int `json:"user_turns" yaml:"user_turns"`
	AgentTurns  int `json:"agent_turns" yaml:"agent_turns"`
	FailedTurns int `json:"failed_turns" yaml:"failed_turns"`
	UserTokens  int `json:"user_tokens" yaml:"user_tokens"`
	AgentTokens int `json:"agent_tokens" yaml:"agent_tokens"`
}

func (s Stats) TotalTokens() int {
	return s.UserTokens + s.AgentTokens
}

func ComputeStats(turns []Turn) Stats {
	var st Stats
	for _, t := range turns {
		switch t.Speaker {
		case SpeakerUser:
			st.UserTurns++
			st.UserTokens += EstimateTokens(t.Text)
		case SpeakerAgent:
			st.AgentTurns++
			if t.Failed {
				st.FailedTurns++
				continue
			}
			st.AgentTokens += EstimateTokens(t.Text)
		}
	}
	return st
}
