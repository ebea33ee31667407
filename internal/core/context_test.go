package core

import (
	"context"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
}

func TestWorkflowContextTypedAccess(t *testing.T) {
	wc := NewWorkflowContext()
	wc.SetString("query", "Compare two suppliers")
	wc.SetBool("critique.confident", true)
	wc.SetNumber("factcheck.confidence", 0.75)
	require.NoError(t, wc.SetRecord("analysis.output", record{Summary: "a. b.", Sources: []string{"x"}}))

	q, ok := wc.GetString("query")
	assert.True(t, ok)
	assert.Equal(t, "Compare two suppliers", q)

	b, ok := wc.GetBool("critique.confident")
	assert.True(t, ok)
	assert.True(t, b)

	n, ok := wc.GetNumber("factcheck.confidence")
	assert.True(t, ok)
	assert.InDelta(t, 0.75, n, 1e-9)

	var r record
	found, err := wc.GetRecord("analysis.output", &r)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"x"}, r.Sources)
}

func TestWorkflowContextAbsentIsNotAnError(t *testing.T) {
	wc := NewWorkflowContext()

	_, ok := wc.GetString("math.status")
	assert.False(t, ok)

	var r record
	found, err := wc.GetRecord("analysis.output", &r)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestWorkflowContextKindMismatchReadsAsAbsent(t *testing.T) {
	wc := NewWorkflowContext()
	wc.SetString("flag", "true")

	_, ok := wc.GetBool("flag")
	assert.False(t, ok)
}

func TestWorkflowContextLatestWriteWins(t *testing.T) {
	wc := NewWorkflowContext()
	wc.SetString("k", "first")
	wc.SetString("k", "second")

	v, _ := wc.GetString("k")
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, wc.Len())
}

func TestWorkflowContextRoundTripKeepsTypeTags(t *testing.T) {
	wc := NewWorkflowContext()
	wc.SetString("s", "text")
	wc.SetBool("b", false)
	wc.SetNumber("n", 3)
	require.NoError(t, wc.SetRecord("r", []string{"a", "b"}))

	data, err := sonic.Marshal(wc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"bool"`)

	restored := NewWorkflowContext()
	require.NoError(t, sonic.Unmarshal(data, restored))
	assert.Equal(t, wc.Keys(), restored.Keys())

	b, ok := restored.GetBool("b")
	assert.True(t, ok)
	assert.False(t, b)

	var list []string
	_, err = restored.GetRecord("r", &list)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		kind ValueKind
	}{
		{"true", KindBool},
		{"FALSE", KindBool},
		{"0.95", KindNumber},
		{"42", KindNumber},
		{"approved by ops", KindString},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.kind, ParseValue(tt.in).Kind)
		})
	}
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(3)
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind)

	v, err = ValueOf(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, KindRecord, v.Kind)
}

func TestNoteWithoutSinkIsDropped(t *testing.T) {
	assert.NotPanics(t, func() { Note(context.Background(), "hello %d", 1) })

	var got []string
	ctx := WithNoteSink(context.Background(), func(m string) { got = append(got, m) })
	Note(ctx, "captured %d findings", 3)
	assert.Equal(t, []string{"captured 3 findings"}, got)
}
