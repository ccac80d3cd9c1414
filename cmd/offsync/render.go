package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/synckit"
)

const (
	symbolOK      = "✓"
	symbolFail    = "✗"
	symbolWarn    = "⚠"
	symbolPending = "○"
)

// printer renders command output. Styling is dropped when out is not a
// terminal or --json was requested.
type printer struct {
	out    io.Writer
	json   bool
	styled bool

	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style
	box   lipgloss.Style
}

func newPrinter(out io.Writer, asJSON, noColor bool) *printer {
	styled := !asJSON && !noColor && isTerminal(out)
	p := &printer{out: out, json: asJSON, styled: styled}
	if styled {
		p.title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
		p.label = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(22)
		p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
		p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
		p.fail = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
		p.dim = lipgloss.NewStyle().Faint(true)
		p.box = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	} else {
		p.label = lipgloss.NewStyle().Width(22)
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// emit writes v as indented JSON when --json is set and reports whether
// it did.
func (p *printer) emit(v any) (bool, error) {
	if !p.json {
		return false, nil
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) field(label string, value any) {
	p.line("%s %v", p.label.Render(label), value)
}

func (p *printer) success(msg string) { p.line("%s %s", p.ok.Render(symbolOK), msg) }
func (p *printer) warning(msg string) { p.line("%s %s", p.warn.Render(symbolWarn), msg) }
func (p *printer) failure(msg string) { p.line("%s %s", p.fail.Render(symbolFail), msg) }

func (p *printer) status(st coordinator.Status, device string) {
	p.line("%s", p.title.Render("offsync "+device))
	state := st.State.String()
	switch {
	case st.Degraded:
		state = p.warn.Render(state + " (degraded)")
	case st.State == coordinator.StateIdle:
		state = p.ok.Render(state)
	}
	p.field("state", state)
	if st.Online {
		p.field("remote", p.ok.Render("online"))
	} else {
		p.field("remote", p.dim.Render("offline"))
	}
	p.field("pending", st.Pending)
	p.field("in flight", st.InFlight)
	p.field("failed", countStyle(p.fail, st.Failed))
	p.field("open conflicts", countStyle(p.warn, st.Conflicts))
	if st.LastSyncedAt != nil {
		p.field("last synced", st.LastSyncedAt.Local().Format(time.RFC3339))
	} else {
		p.field("last synced", p.dim.Render("never"))
	}
	if st.ConsecutiveFailures > 0 {
		p.field("consecutive failures", st.ConsecutiveFailures)
	}
	if st.LastError != "" {
		p.field("last error", p.fail.Render(st.LastError))
	}
}

func countStyle(s lipgloss.Style, n int) string {
	if n == 0 {
		return "0"
	}
	return s.Render(fmt.Sprint(n))
}

func (p *printer) summary(s coordinator.SyncSummary) {
	p.field("pushed", fmt.Sprintf("%d in %d batches", s.Pushed, s.Batches))
	if s.Rejected > 0 || s.Failed > 0 {
		p.field("rejected / failed", p.fail.Render(fmt.Sprintf("%d / %d", s.Rejected, s.Failed)))
	}
	if s.Retried > 0 {
		p.field("retrying", s.Retried)
	}
	p.field("pulled", s.Pulled)
	p.field("applied", s.Applied+s.Merged)
	if s.Superseded > 0 || s.Duplicates > 0 {
		p.field("superseded / duplicate", fmt.Sprintf("%d / %d", s.Superseded, s.Duplicates))
	}
	if s.Conflicts > 0 {
		p.field("conflicts", p.warn.Render(fmt.Sprint(s.Conflicts)))
	}
	p.field("server version", s.ServerVersion)
	p.field("took", s.Duration.Round(time.Millisecond))
}

func (p *printer) conflict(c synckit.ConflictRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s/%s\n", p.title.Render(c.ID), c.EntityType, c.EntityID)
	fmt.Fprintf(&b, "%s\n", p.dim.Render("opened "+c.CreatedAt.Local().Format(time.RFC3339)))
	for _, op := range c.Operations {
		fmt.Fprintf(&b, "  %s %s  %s by %s  %s\n",
			symbolPending, op.ID, op.Kind, op.OriginDevice, truncate(string(op.Payload), 60))
	}
	p.line("%s", p.box.Render(strings.TrimRight(b.String(), "\n")))
}

func (p *printer) run(r history.Record) {
	mark := p.ok.Render(symbolOK)
	if r.Outcome == history.OutcomeFailed {
		mark = p.fail.Render(symbolFail)
	}
	p.line("%s %s  %-6s  pushed %d  pulled %d  conflicts %s  %s",
		mark,
		r.StartedAt.Local().Format(time.DateTime),
		r.Trigger,
		r.Pushed,
		r.Pulled,
		countStyle(p.warn, r.Conflicts),
		p.dim.Render(r.Duration.Round(time.Millisecond).String()))
	if r.Error != "" {
		p.line("    %s", p.fail.Render(truncate(r.Error, 100)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
