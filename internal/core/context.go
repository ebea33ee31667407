package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// ValueKind tags every value stored in a WorkflowContext.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindNumber ValueKind = "number"
	KindRecord ValueKind = "record"
)

// Value is a typed context value. Raw holds the JSON encoding of the payload
// so that the type tag survives persistence.
type Value struct {
	Kind ValueKind       `json:"kind"`
	Raw  json.RawMessage `json:"value"`
}

func StringValue(s string) Value {
	raw, _ := sonic.Marshal(s)
	return Value{Kind: KindString, Raw: raw}
}

func BoolValue(b bool) Value {
	if b {
		return Value{Kind: KindBool, Raw: json.RawMessage("true")}
	}
	return Value{Kind: KindBool, Raw: json.RawMessage("false")}
}

func NumberValue(n float64) Value {
	return Value{Kind: KindNumber, Raw: json.RawMessage(strconv.FormatFloat(n, 'g', -1, 64))}
}

// RecordValue encodes any structured payload (structs, slices, maps).
func RecordValue(v any) (Value, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode record: %w", err)
	}
	return Value{Kind: KindRecord, Raw: raw}, nil
}

// ValueOf maps an untyped Go value onto the closest context kind.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case float32:
		return NumberValue(float64(x)), nil
	case float64:
		return NumberValue(x), nil
	default:
		return RecordValue(v)
	}
}

// ParseValue interprets command line input: booleans and numbers are typed,
// anything else is a string.
func ParseValue(s string) Value {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return NumberValue(n)
	}
	return StringValue(s)
}

// Decode unmarshals the raw payload into dest.
func (v Value) Decode(dest any) error {
	if len(v.Raw) == 0 {
		return fmt.Errorf("empty %s value", v.Kind)
	}
	return sonic.Unmarshal(v.Raw, dest)
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	var out any
	if err := v.Decode(&out); err != nil {
		return nil
	}
	return out
}

// WorkflowContext is the per-session key/value store shared by tasks.
type WorkflowContext struct {
	mu     sync.RWMutex
	values map[string]Value
}

func NewWorkflowContext() *WorkflowContext {
	return &WorkflowContext{values: make(map[string]Value)}
}

// Set creates or overwrites a binding.
func (c *WorkflowContext) Set(key string, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

func (c *WorkflowContext) SetString(key, v string)    { c.Set(key, StringValue(v)) }
func (c *WorkflowContext) SetBool(key string, v bool) { c.Set(key, BoolValue(v)) }
func (c *WorkflowContext) SetNumber(key string, v float64) {
	c.Set(key, NumberValue(v))
}

func (c *WorkflowContext) SetRecord(key string, v any) error {
	val, err := RecordValue(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	c.Set(key, val)
	return nil
}

// Get returns the raw typed value. A missing key is not an error.
func (c *WorkflowContext) Get(key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *WorkflowContext) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok || v.Kind != KindString {
		return "", false
	}
	var s string
	if err := v.Decode(&s); err != nil {
		return "", false
	}
	return s, true
}

func (c *WorkflowContext) GetBool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok || v.Kind != KindBool {
		return false, false
	}
	var b bool
	if err := v.Decode(&b); err != nil {
		return false, false
	}
	return b, true
}

func (c *WorkflowContext) GetNumber(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok || v.Kind != KindNumber {
		return 0, false
	}
	var n float64
	if err := v.Decode(&n); err != nil {
		return 0, false
	}
	return n, true
}

// GetRecord decodes the value stored under key into dest. It reports false
// with a nil error when the key is absent.
func (c *WorkflowContext) GetRecord(key string, dest any) (bool, error) {
	v, ok := c.Get(key)
	if !ok {
		return false, nil
	}
	if err := v.Decode(dest); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a binding. Only session purge and explicit caller input use it.
func (c *WorkflowContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns the bound keys in lexical order.
func (c *WorkflowContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *WorkflowContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Clone returns an independent copy.
func (c *WorkflowContext) Clone() *WorkflowContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &WorkflowContext{values: make(map[string]Value, len(c.values))}
	for k, v := range c.values {
		raw := make(json.RawMessage, len(v.Raw))
		copy(raw, v.Raw)
		out.values[k] = Value{Kind: v.Kind, Raw: raw}
	}
	return out
}

func (c *WorkflowContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sonic.Marshal(c.values)
}

func (c *WorkflowContext) UnmarshalJSON(data []byte) error {
	values := make(map[string]Value)
	if err := sonic.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode workflow context: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	return nil
}

type noteSinkKey struct{}

// NoteFunc receives trace messages emitted by a running task.
type NoteFunc func(message string)

// WithNoteSink attaches a message sink to ctx.
func WithNoteSink(ctx context.Context, fn NoteFunc) context.Context {
	return context.WithValue(ctx, noteSinkKey{}, fn)
}

// Note sends a message to the sink carried by ctx. Without a sink the
// message is dropped.
func Note(ctx context.Context, format string, args ...any) {
	fn, ok := ctx.Value(noteSinkKey{}).(NoteFunc)
	if !ok || fn == nil {
		return
	}
	fn(fmt.Sprintf(format, args...))
}
