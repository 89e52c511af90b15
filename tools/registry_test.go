package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTool() *Descriptor {
	return &Descriptor{
		Name:        "search__web",
		Description: "Search the web",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(searchTool()))

	desc, ok := r.Get("search__web")
	require.True(t, ok)
	assert.Equal(t, "Search the web", desc.Description)
}

func TestRegistry_RegisterRejectsBadNames(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Descriptor{Name: "BadName", Description: "x"})
	assert.Error(t, err)

	err = r.Register(&Descriptor{Name: "noseparator", Description: "x"})
	assert.Error(t, err)
}

func TestRegistry_RegisterRequiresDescription(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Descriptor{Name: "a__b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Descriptor{
		Name:        "a__b",
		Description: "x",
		InputSchema: json.RawMessage(`{"type": 42}`),
	})
	assert.Error(t, err)
}

func TestRegistry_ListAndDescriptorsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Name: "zeta__z", Description: "z"}))
	require.NoError(t, r.Register(&Descriptor{Name: "alpha__a", Description: "a"}))

	assert.Equal(t, []string{"alpha__a", "zeta__z"}, r.List())

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha__a", descs[0].Name)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	r.Unregister("search__web")
	_, ok := r.Get("search__web")
	assert.False(t, ok)

	r.Unregister("never__there") // no-op
}

func TestRegistry_ReloadAtomic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	// A snapshot containing a bad descriptor leaves the catalog untouched.
	err := r.Reload([]*Descriptor{
		{Name: "fresh__tool", Description: "ok"},
		{Name: "Broken", Description: "bad name"},
	})
	require.Error(t, err)
	_, ok := r.Get("search__web")
	assert.True(t, ok)
	_, ok = r.Get("fresh__tool")
	assert.False(t, ok)

	// A clean snapshot replaces everything.
	require.NoError(t, r.Reload([]*Descriptor{{Name: "fresh__tool", Description: "ok"}}))
	_, ok = r.Get("search__web")
	assert.False(t, ok)
	_, ok = r.Get("fresh__tool")
	assert.True(t, ok)
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	inv := NewStaticInvoker()
	inv.SetResponse("search__web", json.RawMessage(`{"hits":3}`))
	r.BindInvoker("search", inv)

	result, err := r.Invoke(context.Background(), "search__web", []byte(`{"q":"golang"}`))
	require.NoError(t, err)
	assert.False(t, result.IsError())
	assert.Equal(t, "search__web", result.Name)
	assert.JSONEq(t, `{"hits":3}`, string(result.Content))
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Invoke(context.Background(), "ghost__tool", []byte(`{}`))
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_InvokeNoInvoker(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	_, err := r.Invoke(context.Background(), "search__web", []byte(`{"q":"x"}`))
	assert.ErrorIs(t, err, ErrNoInvoker)
}

func TestRegistry_InvokeValidatesArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))
	r.BindInvoker("search", NewStaticInvoker())

	_, err := r.Invoke(context.Background(), "search__web", []byte(`{}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "args_invalid", verr.Type)
}

func TestRegistry_InvokeExecutionErrorInResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))
	r.BindInvoker("search", NewStaticInvoker()) // no canned response

	result, err := r.Invoke(context.Background(), "search__web", []byte(`{"q":"x"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError())
	assert.Contains(t, result.Error, "no response")
}

func TestResult_Text(t *testing.T) {
	assert.Equal(t, "plain", Result{Content: json.RawMessage(`"plain"`)}.Text())
	assert.Equal(t, `{"a":1}`, Result{Content: json.RawMessage(`{"a":1}`)}.Text())
	assert.Equal(t, "boom", Result{Error: "boom"}.Text())
}

func TestDescriptor_Timeout(t *testing.T) {
	assert.Equal(t, int64(30000), (&Descriptor{}).Timeout().Milliseconds())
	assert.Equal(t, int64(500), (&Descriptor{TimeoutMs: 500}).Timeout().Milliseconds())
}
