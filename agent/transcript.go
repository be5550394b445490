package agent

import (
	"fmt"
	"sync"
	"time"
)

// SummaryCheckpoint records the digest that replaced a transcript prefix.
type SummaryCheckpoint struct {
	Digest     string    `json:"digest"`
	Replaced   int       `json:"replaced"`   // turns folded into this checkpoint, including any earlier checkpoint
	Generation int       `json:"generation"` // 1 for the first compaction of a run
	CreatedAt  time.Time `json:"created_at"`
}

// Transcript is the ordered turn history of one run. Index 0 always holds
// the system turn. Turns are appended; the only rewrite is Compact, which
// replaces a prefix after the system turn with a single checkpoint turn.
type Transcript struct {
	mu         sync.RWMutex
	msgs       []Message
	checkpoint *SummaryCheckpoint
}

// NewTranscript starts a transcript with the system turn followed by seed.
func NewTranscript(system string, seed ...Message) *Transcript {
	msgs := make([]Message, 0, len(seed)+1)
	msgs = append(msgs, System(system))
	msgs = append(msgs, seed...)
	return &Transcript{msgs: msgs}
}

// Append adds turns to the end of the transcript.
func (t *Transcript) Append(msgs ...Message) {
	t.mu.Lock()
	t.msgs = append(t.msgs, msgs...)
	t.mu.Unlock()
}

// Messages returns a copy of every turn, system turn first.
func (t *Transcript) Messages() Messages {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append(Messages(nil), t.msgs...)
}

// Len returns the number of turns including the system turn.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// System returns the system turn's content.
func (t *Transcript) System() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.msgs[0].Content
}

// Checkpoint returns the active summary checkpoint, if any.
func (t *Transcript) Checkpoint() (SummaryCheckpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkpoint == nil {
		return SummaryCheckpoint{}, false
	}
	return *t.checkpoint, true
}

// Compact replaces turns [1, cut) with one checkpoint turn holding digest.
// A previous checkpoint inside the prefix is superseded, never kept
// alongside the new one. Compact refuses a cut that separates a tool call
// from its result.
func (t *Transcript) Compact(cut int, digest string) (SummaryCheckpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cut < 2 || cut > len(t.msgs) {
		return SummaryCheckpoint{}, fmt.Errorf("compact: cut %d out of range [2, %d]", cut, len(t.msgs))
	}
	if !SafeCut(t.msgs, cut) {
		return SummaryCheckpoint{}, fmt.Errorf("compact: cut %d splits a tool call from its result", cut)
	}

	cp := SummaryCheckpoint{
		Digest:     digest,
		Replaced:   cut - 1,
		Generation: 1,
		CreatedAt:  time.Now(),
	}
	if t.checkpoint != nil {
		cp.Generation = t.checkpoint.Generation + 1
	}

	out := make([]Message, 0, len(t.msgs)-cut+2)
	out = append(out, t.msgs[0], Message{Role: RoleUser, Content: digest, Checkpoint: true})
	out = append(out, t.msgs[cut:]...)
	t.msgs = out
	t.checkpoint = &cp
	return cp, nil
}

// SafeCut reports whether splitting msgs at cut keeps every tool call on
// the same side as its result.
func SafeCut(msgs []Message, cut int) bool {
	if cut <= 0 || cut >= len(msgs) {
		return true
	}
	before := make(map[string]bool)
	for _, m := range msgs[:cut] {
		for _, tc := range m.ToolCalls {
			before[tc.ID] = true
		}
	}
	for _, m := range msgs[cut:] {
		if m.Role == RoleTool && before[m.ToolCallID] {
			return false
		}
	}
	return true
}
