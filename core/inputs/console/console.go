// Package console reads chat lines from a terminal, or any reader, and emits
// them as text input.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
)

const Name = "console"

type Options struct {
	Prompt string `yaml:"prompt"`
	User   string `yaml:"user"`
	Room   string `yaml:"room"`
}

func DefaultOptions() Options {
	return Options{User: "console", Room: "console"}
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.User) == "" {
		return fmt.Errorf("user must not be empty")
	}
	return nil
}

type Input struct {
	options Options
	in      io.Reader
	out     io.Writer
}

// New reads lines from in. When a prompt is configured it is written to out
// before every line.
func New(options Options, in io.Reader, out io.Writer) *Input {
	return &Input{options: options, in: in, out: out}
}

// Factory builds a console input bound to the process stdin and stdout.
func Factory(opts providers.Options) (providers.InputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options, os.Stdin, os.Stdout), nil
}

func (i *Input) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryInput,
		Description: "Reads chat lines from the terminal",
	}
}

func (i *Input) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{i}, nil
}

func (i *Input) Cleanup(context.Context) error { return nil }

// Run emits one text input per non-blank line. It returns when ctx ends or
// the reader is exhausted.
func (i *Input) Run(ctx context.Context, sink providers.Sink) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(i.in)
		for {
			i.prompt()
			if !scanner.Scan() {
				readErr <- scanner.Err()
				return
			}
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sink(ctx, messages.NewRawData(messages.KindText, messages.TextPayload{
				User: messages.User{ID: i.options.User},
				Room: i.options.Room,
				Text: line,
			}, Name))
		}
	}
}

func (i *Input) prompt() {
	if i.options.Prompt != "" && i.out != nil {
		fmt.Fprint(i.out, i.options.Prompt)
	}
}
