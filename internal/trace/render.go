package trace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrUnknownFormat is returned for an unsupported rendering.
var ErrUnknownFormat = errors.New("unknown trace format")

// Format selects a trace rendering.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatMermaid  Format = "mermaid"
	FormatGraphviz Format = "graphviz"
	FormatJSON     Format = "json"
)

// ParseFormat accepts the format names and a few common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "mermaid":
		return FormatMermaid, nil
	case "graphviz", "dot":
		return FormatGraphviz, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Render produces the requested view of events.
func Render(events []Event, format Format) (string, error) {
	switch format {
	case FormatMarkdown:
		return RenderMarkdown(events), nil
	case FormatMermaid:
		return RenderMermaid(events), nil
	case FormatGraphviz:
		return RenderGraphviz(events), nil
	case FormatJSON:
		data, err := Export(events)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func stepText(e Event) string {
	if e.Kind == KindMessage || e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// RenderMarkdown returns a numbered, human-readable step list.
func RenderMarkdown(events []Event) string {
	if len(events) == 0 {
		return "No trace events recorded."
	}
	var b strings.Builder
	b.WriteString("### Trace Summary\n")
	for i, e := range events {
		fmt.Fprintf(&b, "%d. %s → %s\n", i+1, e.TaskID, stepText(e))
	}
	return b.String()
}

// RenderMermaid returns a mermaid flowchart with one node per event.
func RenderMermaid(events []Event) string {
	if len(events) == 0 {
		return "flowchart TD\n  %% no trace events captured\n"
	}
	var b strings.Builder
	b.WriteString("flowchart TD\n  %% auto-generated trace\n")
	for i, e := range events {
		label := sanitizeMermaid(fmt.Sprintf("%s: %s", e.TaskID, stepText(e)))
		fmt.Fprintf(&b, "  step%d[\"%s\"]\n", i+1, label)
	}
	for i := 1; i < len(events); i++ {
		fmt.Fprintf(&b, "  step%d --> step%d\n", i, i+1)
	}
	return b.String()
}

// RenderGraphviz returns a DOT digraph with one node per event.
func RenderGraphviz(events []Event) string {
	if len(events) == 0 {
		return "digraph Trace {\n  // no trace events captured\n}\n"
	}
	var b strings.Builder
	b.WriteString("digraph Trace {\n  rankdir=LR;\n  node [shape=box];\n")
	for i, e := range events {
		label := escapeGraphviz(fmt.Sprintf("%s: %s", e.TaskID, stepText(e)))
		fmt.Fprintf(&b, "  step%d [label=\"%s\"];\n", i+1, label)
	}
	for i := 1; i < len(events); i++ {
		fmt.Fprintf(&b, "  step%d -> step%d;\n", i, i+1)
	}
	b.WriteString("}\n")
	return b.String()
}

// Export returns the events as a flat JSON array.
func Export(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := sonic.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export trace: %w", err)
	}
	return data, nil
}

// Import decodes a flat JSON export.
func Import(data []byte) ([]Event, error) {
	var events []Event
	if err := sonic.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("import trace: %w", err)
	}
	return events, nil
}

var mermaidReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"[", "(",
	"]", ")",
	"\n", "<br/>",
)

func sanitizeMermaid(s string) string { return mermaidReplacer.Replace(s) }

var graphvizReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", " ",
)

func escapeGraphviz(s string) string { return graphvizReplacer.Replace(s) }
