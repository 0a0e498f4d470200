package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhubert/crabbot-core/transcript"
)

var (
	// Styles
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			PaddingLeft(2)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	approvalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
)

// maxToolOutputLines bounds how much tool output is echoed per call.
const maxToolOutputLines = 20

func renderCell(c transcript.Cell) string {
	switch c.Kind {
	case transcript.KindUser:
		return userStyle.Render("> " + c.Text)
	case transcript.KindAssistant:
		return c.Text
	case transcript.KindTool:
		return renderTool(c.Tool)
	case transcript.KindApproval:
		return renderApproval(c.Approval)
	case transcript.KindStatus:
		return statusStyle.Render("· " + c.Text)
	case transcript.KindError:
		return errorStyle.Render("! " + c.Text)
	}
	return c.Text
}

func renderTool(t *transcript.Tool) string {
	if t == nil {
		return ""
	}
	header := "[" + t.ToolName + "]"
	if t.Title != "" && t.Title != t.ToolName {
		header += " " + t.Title
	}
	if t.Status == transcript.ToolError {
		header += " (failed)"
	}
	out := strings.TrimRight(t.Output, "\n")
	if out == "" {
		return toolStyle.Render(header)
	}
	lines := strings.Split(out, "\n")
	if len(lines) > maxToolOutputLines {
		omitted := len(lines) - maxToolOutputLines
		lines = append(lines[:maxToolOutputLines], fmt.Sprintf("… %d more lines", omitted))
	}
	return toolStyle.Render(header) + "\n" + outputStyle.Render(strings.Join(lines, "\n"))
}

func renderApproval(a *transcript.Approval) string {
	if a == nil {
		return ""
	}
	text := "Approval " + a.RequestKey
	if a.Reason != "" {
		text += ": " + a.Reason
	}
	switch a.Status {
	case transcript.ApprovalPending:
		text += fmt.Sprintf("  (/approve %s or /deny %s)", a.RequestKey, a.RequestKey)
	default:
		text += " [" + string(a.Status) + "]"
	}
	return approvalStyle.Render(text)
}

// printer writes transcript cells once they stop changing. While a turn
// runs, a trailing assistant cell or a running tool call is held back.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
}

func settled(c transcript.Cell, last bool) bool {
	switch c.Kind {
	case transcript.KindAssistant:
		return !last
	case transcript.KindTool:
		return c.Tool == nil || c.Tool.Status != transcript.ToolRunning
	}
	return true
}

func (p *printer) flush(cells []transcript.Cell, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.printed < len(cells) {
		c := cells[p.printed]
		if running && !settled(c, p.printed == len(cells)-1) {
			return
		}
		fmt.Fprintln(p.out, renderCell(c))
		p.printed++
	}
}

func (p *printer) println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, a...)
}
