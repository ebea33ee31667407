package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
	"deepresearch/internal/workflow"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Faint(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	blockStyle   = lipgloss.NewStyle().PaddingLeft(2)
)

type sessionResponse struct {
	Action            string      `json:"action"`
	SessionID         string      `json:"session_id"`
	Status            core.Status `json:"status"`
	Summary           string      `json:"summary"`
	Verdict           string      `json:"verdict,omitempty"`
	Sources           []string    `json:"sources,omitempty"`
	RequiresManual    bool        `json:"requires_manual"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	Cursor            string      `json:"cursor"`
	TracePath         string      `json:"trace_path,omitempty"`
	Explanation       string      `json:"explanation,omitempty"`
	ExplanationFormat string      `json:"explanation_format,omitempty"`
}

func newSessionResponse(action string, out *workflow.Outcome) sessionResponse {
	return sessionResponse{
		Action:         action,
		SessionID:      out.SessionID,
		Status:         out.Status,
		Summary:        out.Summary,
		Verdict:        out.Verdict,
		Sources:        out.Sources,
		RequiresManual: out.RequiresManual,
		FailureReason:  out.FailureReason,
		Cursor:         out.Cursor,
		TracePath:      out.TracePath,
	}
}

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func statusText(s core.Status) string {
	switch s {
	case core.StatusCompleted:
		return successStyle.Render(s.String())
	case core.StatusFailed:
		return failStyle.Render(s.String())
	default:
		return warnStyle.Render(s.String())
	}
}

func field(name, value string) string {
	return labelStyle.Render(name+":") + " " + value
}

func writeSession(w io.Writer, format string, resp sessionResponse) error {
	if format == outputJSON {
		return writeJSON(w, resp)
	}

	sections := []string{
		field("action", resp.Action),
		field("session", resp.SessionID),
		field("status", statusText(resp.Status)),
	}
	if resp.Status == core.StatusWaitingForInput || resp.Status == core.StatusRunning {
		sections = append(sections, field("cursor", resp.Cursor))
	}
	if resp.FailureReason != "" {
		sections = append(sections, field("reason", failStyle.Render(resp.FailureReason)))
	}
	sections = append(sections, titleStyle.Render("summary")+"\n"+blockStyle.Render(resp.Summary))
	if resp.RequiresManual {
		sections = append(sections, warnStyle.Render("manual review required"))
	}
	if resp.Explanation != "" {
		sections = append(sections, titleStyle.Render("explanation ("+resp.ExplanationFormat+")")+"\n"+fence(resp.ExplanationFormat, resp.Explanation))
	}
	if resp.TracePath != "" {
		sections = append(sections, field("trace", resp.TracePath))
	}
	_, err := fmt.Fprintln(w, strings.Join(sections, "\n\n"))
	return err
}

// fence wraps diagram renderings in a code block.
func fence(format, body string) string {
	var lang string
	switch trace.Format(format) {
	case trace.FormatMermaid:
		lang = "mermaid"
	case trace.FormatGraphviz:
		lang = "dot"
	case trace.FormatJSON:
		lang = "json"
	default:
		return body
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return "```" + lang + "\n" + body + "```"
}
