package relay

import (
	"encoding/json"
	"strings"
)

type deltaEnvelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Accumulator reconstructs the full assistant answer from decoded
// delta payloads. It is the single source of truth for the text to
// persist once the stream concludes.
type Accumulator struct {
	builder strings.Builder
}

// Feed extracts the incremental fragment from one payload and appends
// it. Payloads that are not valid JSON, or that carry no content at
// the delta path, contribute nothing; the provider is allowed to send
// such frames.
func (a *Accumulator) Feed(payload string) {
	var envelope deltaEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return
	}
	if len(envelope.Choices) == 0 {
		return
	}
	a.builder.WriteString(envelope.Choices[0].Delta.Content)
}

// String returns the answer accumulated so far.
func (a *Accumulator) String() string {
	return a.builder.String()
}
