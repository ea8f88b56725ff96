// Command converse is a terminal chat client for any configured
// chat-completion backend. It streams assistant output as it arrives and
// re-renders the finished turn as markdown.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casualjim/converse/pkg/messages"
	"github.com/casualjim/converse/pkg/slogx"
	"github.com/casualjim/converse/pkg/stdx"
	"github.com/casualjim/converse/provider"
	"github.com/casualjim/converse/provider/anthropic"
	"github.com/casualjim/converse/provider/openaicompat"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/fogfish/opts"
	_ "github.com/joho/godotenv/autoload"
	"github.com/k0kubun/pp/v3"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

var glam = stdx.Must1(glamour.NewTermRenderer(
	glamour.WithAutoStyle(),
))

func main() {
	var (
		backend    = flag.String("backend", "openai", "backend to talk to: openai or anthropic")
		baseURL    = flag.String("base-url", "", "override the backend base URL, e.g. a local server")
		model      = flag.String("model", "", "model id to run completions against")
		system     = flag.String("system", "", "system prompt for the conversation")
		listModels = flag.Bool("list-models", false, "print the backend's model catalog and exit")
		debug      = flag.Bool("debug", false, "dump every raw stream event to stderr")
	)
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(
			zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelDebug}),
		))
	}

	prov, defaultModel, err := buildProvider(*backend, *baseURL)
	if err != nil {
		slog.Error("failed to configure backend", slogx.Error(err))
		os.Exit(1)
	}
	if *model == "" {
		*model = defaultModel
	}

	ctx := context.Background()

	if *listModels {
		catalog, err := prov.FetchModels(ctx)
		if err != nil {
			slog.Error("failed to fetch models", slogx.Error(err))
			os.Exit(1)
		}
		for _, m := range catalog {
			if m.DisplayName != "" {
				fmt.Printf("%s\t%s\n", m.ID, m.DisplayName)
			} else {
				fmt.Println(m.ID)
			}
		}
		return
	}

	if err := runREPL(ctx, prov, *model, *system, *debug); err != nil {
		slog.Error("session failed", slogx.Error(err))
		os.Exit(1)
	}
}

func buildProvider(backend, baseURL string) (provider.Provider, string, error) {
	switch backend {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, "", errors.New("OPENAI_API_KEY is not set")
		}
		options := []opts.Option[openaicompat.Provider]{openaicompat.WithAPIKey(key)}
		if baseURL != "" {
			options = append(options, openaicompat.WithBaseURL(baseURL))
		}
		p, err := openaicompat.New(options...)
		return p, "gpt-4o-mini", err

	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, "", errors.New("ANTHROPIC_API_KEY is not set")
		}
		options := []opts.Option[anthropic.Provider]{anthropic.WithAPIKey(key)}
		if baseURL != "" {
			options = append(options, anthropic.WithBaseURL(baseURL))
		}
		p, err := anthropic.New(options...)
		return p, "claude-3-5-haiku-latest", err

	default:
		return nil, "", fmt.Errorf("unknown backend %q", backend)
	}
}

func runREPL(ctx context.Context, prov provider.Provider, model, system string, debug bool) error {
	// Ctrl-C stops the in-flight completion, not the session.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			prov.Cancel()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Split(bufio.ScanLines)
	var history []messages.ChatMessage

	for {
		fmt.Printf("%s: ", color.CyanString("User"))
		if !scanner.Scan() {
			fmt.Println("Exiting...")
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}

		history = append(history, messages.User(input))
		events, err := prov.SendMessage(ctx, provider.CompletionParams{
			Model:        model,
			Instructions: system,
			Messages:     history,
			Options:      provider.RequestOptions{Stream: true},
		})
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s: %v\n", color.RedString("Error"), err)
			history = history[:len(history)-1]
			continue
		}

		reply, ok := drainStream(events, debug)
		if ok && reply != "" {
			history = append(history, messages.Assistant(reply))
		}
	}
}

// drainStream prints deltas as they arrive and re-renders the complete turn
// as markdown once the stream finishes. It reports whether the turn produced
// a reply worth keeping in the history.
func drainStream(events <-chan provider.StreamEvent, debug bool) (string, bool) {
	var content strings.Builder
	var streaming bool
	completed := false

	for evt := range events {
		if debug {
			pp.Fprintln(os.Stderr, evt)
		}

		switch e := evt.(type) {
		case provider.TextDelta:
			if !streaming {
				streaming = true
				fmt.Fprint(os.Stdout, color.MagentaString("Assistant")+": ")
			}
			fmt.Fprint(os.Stdout, e.Text)
			content.WriteString(e.Text)

		case provider.ModelUsed:
			log.Debug().Str("model", e.Model).Msg("model confirmed")

		case provider.InputTokens:
			log.Debug().Int64("input_tokens", e.Count).Msg("usage")

		case provider.OutputTokens:
			log.Debug().Int64("output_tokens", e.Count).Msg("usage")

		case provider.Done:
			completed = true
			if content.Len() > 0 {
				fmt.Fprintln(os.Stdout)
				if out, err := glam.Render(content.String()); err == nil {
					fmt.Fprintln(os.Stdout, out)
				}
			}

		case provider.Error:
			fmt.Fprintln(os.Stdout)
			fmt.Fprintf(os.Stdout, "%s: %v\n", color.RedString("Error"), e.Err)
		}
	}

	if !completed && streaming {
		// Cancelled mid-stream; keep the prompt on a fresh line.
		fmt.Fprintln(os.Stdout)
	}
	return content.String(), completed
}
