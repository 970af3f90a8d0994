package contextmon

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for context accounting. It uses the cl100k_base
// encoding when available and falls back to a bytes/4 heuristic when the
// encoding cannot be loaded (offline environments).
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates a lazy estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// Estimate returns the token count for text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four bytes.
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
