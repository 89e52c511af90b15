package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestScripted_TextTurn(t *testing.T) {
	p := NewScripted("mock", TextTurn("hel", "lo"))

	ch, err := p.ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.Equal(t, "hello", chunks[1].Content)
	require.NotNil(t, chunks[2].FinishReason)
	assert.Equal(t, FinishStop, *chunks[2].FinishReason)
}

func TestScripted_ToolCallTurn(t *testing.T) {
	p := NewScripted("mock", ToolCallTurn("call-1", "search__web", `{"q":"go"}`))

	ch, err := p.ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].ToolCalls, 1)
	assert.Equal(t, "search__web", chunks[0].ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(chunks[0].ToolCalls[0].Args))
	require.NotNil(t, chunks[0].FinishReason)
	assert.Equal(t, FinishToolCalls, *chunks[0].FinishReason)
}

func TestScripted_TurnsPlayInOrder(t *testing.T) {
	p := NewScripted("mock",
		TextTurn("first"),
		TextTurn("second"),
	)

	ch, err := p.ChatStream(context.Background(), ChatRequest{System: "a"})
	require.NoError(t, err)
	first := collect(t, ch)
	assert.Equal(t, "first", first[0].Delta)

	ch, err = p.ChatStream(context.Background(), ChatRequest{System: "b"})
	require.NoError(t, err)
	second := collect(t, ch)
	assert.Equal(t, "second", second[0].Delta)

	assert.Equal(t, 2, p.Calls())
	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "a", reqs[0].System)
	assert.Equal(t, "b", reqs[1].System)
}

func TestScripted_ErrTurn(t *testing.T) {
	boom := errors.New("upstream down")
	p := NewScripted("mock", ErrTurn(boom), TextTurn("recovered"))

	_, err := p.ChatStream(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, boom)

	ch, err := p.ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)
	chunks := collect(t, ch)
	assert.Equal(t, "recovered", chunks[0].Delta)
}

func TestScripted_ExhaustedScript(t *testing.T) {
	p := NewScripted("mock")

	_, err := p.ChatStream(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no turn for call 1")
}

func TestScripted_CancelStopsEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// No consumer: the emitter goroutine parks on the unbuffered channel
	// until cancel lets it exit.
	p := NewScripted("mock", TextTurn("a", "b", "c"))
	ch, err := p.ChatStream(ctx, ChatRequest{})
	require.NoError(t, err)

	<-ch // take one chunk
	cancel()

	// Channel closes without delivering the whole script.
	var rest []StreamChunk
	for chunk := range ch {
		rest = append(rest, chunk)
	}
	assert.Less(t, len(rest), 3)
}

func TestScripted_LastRequest(t *testing.T) {
	p := NewScripted("mock", TextTurn("x"))

	_, ok := p.LastRequest()
	assert.False(t, ok)

	ch, err := p.ChatStream(context.Background(), ChatRequest{System: "sys"})
	require.NoError(t, err)
	collect(t, ch)

	req, ok := p.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "sys", req.System)
}
