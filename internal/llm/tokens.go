package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// Token estimation constants. Estimates only steer context trimming; billing
// uses the counts the provider reports.
const (
	// tokensPerMessage covers the per-turn framing overhead.
	tokensPerMessage = 4
	// tokensPerImage is a flat charge per attached screenshot.
	tokensPerImage = 800
	// charsPerToken is the fallback ratio when no encoding is available.
	charsPerToken = 4
)

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Estimator approximates token counts for a specific model. The encoding is
// initialized lazily because tiktoken may download its vocabulary on first
// use; when that fails the estimator degrades to a character heuristic.
type Estimator struct {
	model    string
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates a token estimator for the given model name.
func NewEstimator(model string) *Estimator {
	// Longest prefix wins so "gpt-4o" is not shadowed by "gpt-4".
	encoding := "cl100k_base"
	best := 0
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			encoding = enc
		}
	}
	return &Estimator{model: model, encoding: encoding}
}

func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = err
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// CountText estimates the token count of a plain string.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		return len(text)/charsPerToken + 1
	}
	return len(e.enc.Encode(text, nil, nil))
}

// CountMessage estimates the token cost of one chat turn, including framing
// overhead and a flat charge per image part.
func (e *Estimator) CountMessage(m schemas.Message) int {
	total := tokensPerMessage
	for _, p := range m.Parts {
		switch p.Type {
		case schemas.ContentImage:
			total += tokensPerImage
		default:
			total += e.CountText(p.Text)
		}
	}
	return total
}

// CountMessages estimates the combined token cost of a conversation.
func (e *Estimator) CountMessages(msgs []schemas.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessage(m)
	}
	return total
}
