package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() *Transcript {
	tr := NewTranscript("sys", Human("start"))
	tr.Append(
		AI("", ToolCall{ID: "c1", Name: "ls"}),
		ToolMsg("c1", "ls", "[]"),
		AI("looked"),
		Human("next"),
		AI("", ToolCall{ID: "c2", Name: "read_file"}, ToolCall{ID: "c3", Name: "read_file"}),
		ToolMsg("c2", "read_file", "a"),
		ToolMsg("c3", "read_file", "b"),
	)
	return tr
}

func TestSafeCut(t *testing.T) {
	msgs := sampleTranscript().Messages()
	tests := []struct {
		cut  int
		want bool
	}{
		{2, true},  // before the first call
		{3, false}, // between c1 and its result
		{4, true},
		{7, false}, // between c2/c3 and their results
		{8, false}, // c3 result still after the cut
		{9, true},  // end of transcript
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeCut(msgs, tt.cut), "cut %d", tt.cut)
	}
}

func TestCompact(t *testing.T) {
	tr := sampleTranscript()

	_, err := tr.Compact(3, "nope")
	require.Error(t, err)
	assert.Equal(t, 9, tr.Len())

	_, err = tr.Compact(1, "nope")
	require.Error(t, err)

	cp, err := tr.Compact(5, "first digest")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Generation)
	assert.Equal(t, 4, cp.Replaced)
	assert.WithinDuration(t, time.Now(), cp.CreatedAt, time.Second)

	msgs := tr.Messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.True(t, msgs[1].Checkpoint)
	assert.Equal(t, "first digest", msgs[1].Content)
	assert.Equal(t, "next", msgs[2].Content)
	require.NoError(t, msgs.Validate())

	// A second compaction supersedes the first checkpoint.
	cp, err = tr.Compact(3, "second digest")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Generation)

	msgs = tr.Messages()
	var checkpoints int
	for _, m := range msgs {
		if m.Checkpoint {
			checkpoints++
		}
	}
	assert.Equal(t, 1, checkpoints)
	assert.Equal(t, "second digest", msgs[1].Content)
	assert.Equal(t, "sys", tr.System())

	active, ok := tr.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, "second digest", active.Digest)
}

func TestMessagesValidate(t *testing.T) {
	ok := NewMessages().Human("hi").AI("", ToolCall{ID: "1", Name: "ls"}).Tool("1", "ls", "[]")
	require.NoError(t, ok.Validate())

	orphan := NewMessages().Human("hi").Tool("1", "ls", "[]")
	assert.Error(t, orphan.Validate())

	empty := NewMessages().AI("")
	assert.Error(t, empty.Validate())

	bad := Messages{{Role: "robot", Content: "x"}}
	assert.Error(t, bad.Validate())
}

func TestPrettyPrint(t *testing.T) {
	m := NewMessages().Human("hi").AI("", ToolCall{ID: "1", Name: "ls"})
	m = append(m, ToolResult{ToolCallID: "1", Name: "ls", Output: "Error: no", IsError: true, ErrorKind: KindNotFound}.Message())
	out := m.PrettyPrint()
	assert.Contains(t, out, "[Human]\nhi")
	assert.Contains(t, out, "tool_call: ls(id=1")
	assert.Contains(t, out, "error=not_found")
}
