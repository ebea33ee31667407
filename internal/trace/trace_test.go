package trace

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ms ...int64) func() time.Time {
	i := 0
	return func() time.Time {
		v := ms[min(i, len(ms)-1)]
		i++
		return time.UnixMilli(v)
	}
}

func sample() []Event {
	return []Event{
		{TaskID: "researcher", Kind: KindEnter, Message: "started", TimestampMs: 1},
		{TaskID: "researcher", Kind: KindMessage, Message: `captured "2" findings`, TimestampMs: 2},
		{TaskID: "researcher", Kind: KindExit, Message: "continue -> analyst", TimestampMs: 3},
		{TaskID: "analyst", Kind: KindEnter, Message: "started", TimestampMs: 4},
	}
}

func TestCollectorTimestampsNeverDecrease(t *testing.T) {
	c := NewCollector("s1")
	c.SetClock(fixedClock(100, 90, 120))

	c.Record("a", KindEnter, "started")
	e := c.Record("a", KindMessage, "late clock")
	assert.Equal(t, int64(100), e.TimestampMs)
	c.RecordDuration("a", KindExit, "end", 20*time.Millisecond)

	events := c.Events()
	require.Len(t, events, 3)
	assert.Equal(t, int64(120), events[2].TimestampMs)
	assert.Equal(t, int64(20), events[2].DurationMs)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "s1", c.SessionID())
}

func TestFromEventsContinuesTrace(t *testing.T) {
	c := FromEvents("s1", sample())
	c.SetClock(fixedClock(1))
	e := c.Record("analyst", KindExit, "end")
	assert.Equal(t, int64(4), e.TimestampMs)
	assert.Equal(t, []string{"researcher", "analyst"}, TaskPath(c.Events()))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":         FormatMarkdown,
		"MD":       FormatMarkdown,
		"mermaid":  FormatMermaid,
		"dot":      FormatGraphviz,
		"graphviz": FormatGraphviz,
		"json":     FormatJSON,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("svg")
	assert.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Render(sample(), Format("svg"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown(sample())
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "### Trace Summary", lines[0])
	assert.Equal(t, "1. researcher → [enter] started", lines[1])
	assert.Equal(t, `2. researcher → captured "2" findings`, lines[2])
	assert.Equal(t, "No trace events recorded.", RenderMarkdown(nil))
}

func TestRenderMermaidAndGraphviz(t *testing.T) {
	mermaid := RenderMermaid(sample())
	assert.True(t, strings.HasPrefix(mermaid, "flowchart TD\n"))
	assert.Contains(t, mermaid, `step2["researcher: captured \"2\" findings"]`)
	assert.Contains(t, mermaid, "step3 --> step4")

	dot := RenderGraphviz(sample())
	assert.True(t, strings.HasPrefix(dot, "digraph Trace {"))
	assert.Contains(t, dot, `step2 [label="researcher: captured \"2\" findings"];`)
	assert.Contains(t, dot, "step1 -> step2;")
	assert.True(t, strings.HasSuffix(dot, "}\n"))
}

func TestExportImport(t *testing.T) {
	data, err := Export(sample())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id": "researcher"`)

	events, err := Import(data)
	require.NoError(t, err)
	assert.Equal(t, sample(), events)

	empty, err := Export(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("s1")
	other, cancelOther := hub.Subscribe("s2")
	defer cancelOther()
	assert.Equal(t, 1, hub.Subscribers("s1"))

	c := NewCollector("s1")
	c.Attach(hub)
	c.Record("researcher", KindEnter, "started")

	select {
	case e := <-ch:
		assert.Equal(t, "researcher", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case <-other:
		t.Fatal("event leaked to another session")
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers("s1"))
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe("s1")
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish("s1", Event{TaskID: "t"})
	}
	assert.Len(t, ch, subscriberBuffer)

	hub.Close("s1")
	drained := 0
	for range ch {
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
}
