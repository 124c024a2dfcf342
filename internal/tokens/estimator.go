// Package tokens estimates token counts for audit records and metrics when
// the backend does not report eval counts.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with a cached tiktoken codec. Local models use
// their own vocabularies, so this is an estimate, not an exact count; it is
// close enough for audit and budget purposes.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewEstimator creates an estimator. The codec is loaded lazily on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count for text. If the codec cannot be
// loaded it falls back to a bytes/4 heuristic rather than failing the
// request path.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.err != nil {
		return approximate(text)
	}

	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return approximate(text)
	}
	return len(ids)
}

func approximate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
