package hooks

import (
	"encoding/json"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"wick_core/agent"
)

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

// cl100k_base is loaded lazily; when it cannot be loaded the heuristic is used.
func loadEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	return encoding
}

// EstimateTokens returns a heuristic token estimate: max(runes/4, word_count).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// cachedCounter counts with tiktoken and remembers per-message results, so
// re-measuring a growing transcript only encodes the new turns.
type cachedCounter struct {
	cache *lru.Cache[string, int]
}

// NewTokenCounter returns the default counter (cl100k_base with a heuristic fallback).
func NewTokenCounter() TokenCounter {
	cache, _ := lru.New[string, int](4096)
	return &cachedCounter{cache: cache}
}

func (c *cachedCounter) Count(text string) int {
	if n, ok := c.cache.Get(text); ok {
		return n
	}
	var n int
	if enc := loadEncoding(); enc != nil {
		n = len(enc.Encode(text, nil, nil))
	} else {
		n = EstimateTokens(text)
	}
	c.cache.Add(text, n)
	return n
}

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// CountMessages measures a transcript with counter.
func CountMessages(counter TokenCounter, msgs []agent.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + counter.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += counter.Count(tc.Name) + counter.Count(argsText(tc.Args))
		}
	}
	return total
}

func argsText(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, _ := json.Marshal(args)
	return string(data)
}
