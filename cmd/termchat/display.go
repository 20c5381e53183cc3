package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"termchat/internal/errx"
	"termchat/internal/history"
	"termchat/internal/llm"
)

var (
	accent  = lipgloss.Color("#8BC34A")
	danger  = lipgloss.Color("#e53935")
	muted   = lipgloss.Color("#7f8c8d")
	primary = lipgloss.Color("#2196F3")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	botStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(danger)
	infoStyle  = lipgloss.NewStyle().Foreground(muted)
)

const helpText = `Commands:
  /help          show this help
  /clear         forget the current conversation
  /save [name]   save the conversation to the history directory
  /load <file>   replace the conversation with a saved one
  /list          list saved conversations
  /model [id]    show or switch the model
  /stream        toggle streaming output
  exit, quit     leave`

// display печатает всё, что видит пользователь. Markdown рендерится через
// glamour, если renderer задан.
type display struct {
	out      io.Writer
	renderer *glamour.TermRenderer
}

func newDisplay(out io.Writer, markdown bool) *display {
	d := &display{out: out}
	if markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			d.renderer = renderer
		}
	}
	return d
}

func (d *display) banner(model string, stream bool) {
	fmt.Fprintln(d.out, titleStyle.Render("termchat"))
	fmt.Fprintln(d.out, infoStyle.Render(fmt.Sprintf("model: %s | streaming: %s | /help for commands", llm.GetModelName(model), onOff(stream))))
}

func (d *display) info(format string, args ...any) {
	fmt.Fprintln(d.out, infoStyle.Render(fmt.Sprintf(format, args...)))
}

// failure печатает ошибку как "[kind] message". Ошибки вне таксономии
// печатаются без вида.
func (d *display) failure(err error) {
	kind := errx.KindOf(err)
	msg := err.Error()
	if kind != "" {
		msg = fmt.Sprintf("[%s] %s", kind, msg)
	}
	fmt.Fprintln(d.out, errorStyle.Render(msg))
}

func (d *display) botPrefix() {
	fmt.Fprint(d.out, botStyle.Render("assistant")+": ")
}

func (d *display) chunk(text string) {
	fmt.Fprint(d.out, text)
}

func (d *display) endStream() {
	fmt.Fprintln(d.out)
}

func (d *display) reply(content string) {
	d.botPrefix()
	if d.renderer != nil {
		if rendered, err := d.renderer.Render(content); err == nil {
			fmt.Fprint(d.out, "\n"+strings.TrimRight(rendered, "\n")+"\n")
			return
		}
	}
	fmt.Fprintln(d.out, content)
}

func (d *display) tokens(count int, estimated bool) {
	if estimated {
		d.info("~%d tokens (estimated)", count)
		return
	}
	d.info("%d tokens", count)
}

func (d *display) help() {
	fmt.Fprintln(d.out, helpText)
}

func (d *display) models(current string) {
	d.info("current model: %s", current)
	for _, m := range llm.AvailableModels {
		marker := " "
		if m.ID == current {
			marker = "*"
		}
		fmt.Fprintf(d.out, " %s %-36s %s\n", marker, m.ID, infoStyle.Render(m.Description))
	}
}

func (d *display) entry(e history.Entry) {
	fmt.Fprintf(d.out, "  %-40s %s  %-28s %s\n",
		e.Name,
		e.Timestamp.Local().Format("2006-01-02 15:04"),
		e.Model,
		infoStyle.Render(humanSize(e.Size)))
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
