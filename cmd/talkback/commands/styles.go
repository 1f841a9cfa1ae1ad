package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/talkback/internal/pipeline"
)

// Theme is the terminal color scheme.
type Theme struct {
	Primary lipgloss.Color
	Accent  lipgloss.Color
	Dim     lipgloss.Color
	Alert   lipgloss.Color
}

var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Accent:  lipgloss.Color("#58a6ff"),
	Dim:     lipgloss.Color("#6e7681"),
	Alert:   lipgloss.Color("#ff5f56"),
}

type StyleSet struct {
	Title     lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Help      lipgloss.Style
	Error     lipgloss.Style
}

func NewStyles(t Theme) StyleSet {
	return StyleSet{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		User:      lipgloss.NewStyle().Bold(true).Foreground(t.Accent),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Help:      lipgloss.NewStyle().Foreground(t.Dim),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(t.Alert),
	}
}

var Styles = NewStyles(DefaultTheme)

// transcriptPrinter renders session events as a running conversation.
// Notify is called from several goroutines.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	styles  StyleSet
	partial bool
	inReply bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, styles: Styles}
}

func (p *transcriptPrinter) Notify(e pipeline.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case pipeline.EventTranscriptPartial:
		if p.inReply {
			return
		}
		fmt.Fprintf(p.out, "\r\033[K%s", p.styles.Help.Render("… "+e.Text))
		p.partial = true
	case pipeline.EventTranscriptFinal:
		p.clearPartial()
		if p.inReply {
			fmt.Fprintln(p.out)
			p.inReply = false
		}
		fmt.Fprintf(p.out, "%s %s\n", p.styles.User.Render("you ›"), e.Text)
	case pipeline.EventTurnStarted:
		p.clearPartial()
		fmt.Fprint(p.out, p.styles.Assistant.Render("talkback ›")+" ")
		p.inReply = true
	case pipeline.EventTextDelta:
		fmt.Fprint(p.out, e.Text)
	case pipeline.EventTurnEnded:
		if p.inReply {
			fmt.Fprintln(p.out)
			p.inReply = false
		}
		if e.Reason != string(pipeline.OutcomeCompleted) {
			fmt.Fprintln(p.out, p.styles.Help.Render("turn "+e.Reason))
		}
	case pipeline.EventTurnBusy:
		p.clearPartial()
		fmt.Fprintln(p.out, p.styles.Help.Render(fmt.Sprintf("(busy, %s: %q)", e.Reason, e.Text)))
	case pipeline.EventError:
		p.clearPartial()
		fmt.Fprintf(p.out, "%s %s: %s\n", p.styles.Error.Render("error"), e.Reason, e.Detail)
	}
}

func (p *transcriptPrinter) clearPartial() {
	if p.partial {
		fmt.Fprint(p.out, "\r\033[K")
		p.partial = false
	}
}

func (p *transcriptPrinter) summary(s pipeline.TurnSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("%s · %d/%d chunks played · first audio %s · total %s",
		s.Outcome, s.Played, s.Chunks, roundMS(s.FirstAudio), roundMS(s.Total))
	if s.Skipped > 0 {
		line += fmt.Sprintf(" · %d skipped", s.Skipped)
	}
	fmt.Fprintln(p.out, p.styles.Help.Render(line))
}

func roundMS(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
