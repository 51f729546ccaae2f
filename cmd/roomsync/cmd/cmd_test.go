package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/domain"
)

func TestRestBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ws://localhost:8080/ws", want: "http://localhost:8080"},
		{in: "wss://relay.example.com/ws?user=alice", want: "https://relay.example.com"},
		{in: "ws://relay.example.com/sync/ws", want: "http://relay.example.com/sync"},
		{in: "http://localhost:8080/ws", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := restBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "roomsync v"+version+"\n", out.String())
}

func TestPrinterPrintsCommittedMessagesOnce(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out, printed: make(map[string]bool)}

	msgs := []domain.Message{
		{ID: "m1", SenderID: "alice", Content: "hi"},
		{LocalID: "l1", SenderID: "alice", Content: "pending"},
	}
	p.messages(msgs)
	p.messages(append(msgs, domain.Message{ID: "m2", SenderID: "bob", Content: "hey"}))

	assert.Equal(t, "[alice] hi\n[bob] hey\n", out.String())
}

func TestHandleLineIgnoresBlankInput(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out, printed: make(map[string]bool)}
	require.NoError(t, handleLine(context.Background(), nil, p, "   "))
	assert.Empty(t, strings.TrimSpace(out.String()))
}

func TestCommandArgs(t *testing.T) {
	id, rest, ok := commandArgs("/react m1 👍", "/react ")
	require.True(t, ok)
	assert.Equal(t, "m1", id)
	assert.Equal(t, "👍", rest)

	id, rest, ok = commandArgs("/reply m2   sounds good ", "/reply ")
	require.True(t, ok)
	assert.Equal(t, "m2", id)
	assert.Equal(t, "sounds good", rest)

	_, _, ok = commandArgs("/react m1", "/react ")
	assert.False(t, ok)
}

func TestHandleLineRejectsIncompleteCommands(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out, printed: make(map[string]bool)}
	assert.Error(t, handleLine(context.Background(), nil, p, "/react m1"))
	assert.Error(t, handleLine(context.Background(), nil, p, "/reply m1 "))
}

func TestFormatReactions(t *testing.T) {
	assert.Empty(t, formatReactions(nil))
	assert.Equal(t, " 🎉1 👍2", formatReactions(map[string][]string{"👍": {"a", "b"}, "🎉": {"c"}}))
}
