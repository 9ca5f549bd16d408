package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text against the summary token budget.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a lazily initialized tiktoken
// encoding; initialization can fetch BPE data on first use, so failure
// degrades to an approximate word count instead of breaking summaries.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a counter for the given encoding
// ("cl100k_base" when empty).
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count implements TokenCounter.
func (t *TiktokenCounter) Count(text string) int {
	if err := t.init(); err != nil {
		return len(strings.Fields(text))
	}
	return len(t.enc.Encode(text, nil, nil))
}
