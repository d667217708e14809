// Package console prints render parameters to a terminal as styled
// subtitles.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/muesli/reflow/wordwrap"
)

const Name = "console"

type Options struct {
	Width      int  `yaml:"width"`
	Directives bool `yaml:"directives"`
}

func DefaultOptions() Options {
	return Options{Width: 72, Directives: true}
}

func (o Options) Validate() error {
	if o.Width < 10 {
		return fmt.Errorf("width must be at least 10")
	}
	return nil
}

var (
	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
	directiveStyle = lipgloss.NewStyle().
			Faint(true).
			Foreground(lipgloss.Color("#A49FA5"))
	emotionStyles = map[string]lipgloss.Style{
		"happy":     lipgloss.NewStyle().Foreground(lipgloss.Color("#F1C40F")),
		"love":      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5FAF")),
		"sad":       lipgloss.NewStyle().Foreground(lipgloss.Color("#5DADE2")),
		"angry":     lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		"surprised": lipgloss.NewStyle().Foreground(lipgloss.Color("#AF87FF")),
	}
)

type Output struct {
	options Options

	mu  sync.Mutex
	out io.Writer
}

func New(options Options, out io.Writer) *Output {
	return &Output{options: options, out: out}
}

func Factory(opts providers.Options) (providers.OutputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options, os.Stdout), nil
}

func (o *Output) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryOutput,
		Description: "Terminal subtitles",
	}
}

func (o *Output) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{o}, nil
}

func (o *Output) Cleanup(context.Context) error { return nil }

func (o *Output) Render(_ context.Context, params render.Parameters) error {
	block := o.format(params)
	if block == "" {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := fmt.Fprintln(o.out, block)
	return err
}

func (o *Output) format(params render.Parameters) string {
	var lines []string
	if params.SubtitleText != "" {
		wrapped := wordwrap.String(params.SubtitleText, o.options.Width)
		style := subtitleStyle
		if emotion, ok := emotionStyles[string(params.Emotion)]; ok {
			style = style.Foreground(emotion.GetForeground())
		}
		lines = append(lines, style.Render(wrapped))
	}

	if o.options.Directives {
		var directives []string
		for _, kind := range params.Present() {
			if kind == render.KindTTS || kind == render.KindSubtitle {
				continue
			}
			directives = append(directives, fmt.Sprintf("%s=%s", kind, params.Get(kind)))
		}
		if len(directives) > 0 {
			lines = append(lines, directiveStyle.Render("["+strings.Join(directives, " ")+"]"))
		}
	}
	return strings.Join(lines, "\n")
}
