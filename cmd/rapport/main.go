// Rapport is a chat bot that builds running per-user profiles.
//
// It polls a chat surface for new messages, extracts sentiment and topic
// signals from each one, merges them into a persistent per-user profile,
// and replies through a text-generation service using a prompt grounded
// in that profile. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	rapport serve              Connect to the chat surface and run the bot
//	rapport init [dir]         Write an example config.yaml
//	rapport ask <user> <text>  Run one message through the pipeline
//	rapport profile <user>     Show a user's profile
//	rapport version            Print version and build information
//	rapport -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rapportbot/rapport/examples"
	"github.com/rapportbot/rapport/internal/analyzer"
	"github.com/rapportbot/rapport/internal/api"
	"github.com/rapportbot/rapport/internal/buildinfo"
	"github.com/rapportbot/rapport/internal/config"
	"github.com/rapportbot/rapport/internal/llm"
	"github.com/rapportbot/rapport/internal/prompt"
	"github.com/rapportbot/rapport/internal/session"
	"github.com/rapportbot/rapport/internal/store"
	"github.com/rapportbot/rapport/internal/transport"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the rapport command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: rapport ask <user> <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "profile":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: rapport profile <user>")
		}
		return runProfile(ctx, stdout, configPath, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Rapport - Profile-Aware Chat Bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: rapport [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Connect to the chat surface and run the bot")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <user> <text>    Run one message through the pipeline")
	fmt.Fprintln(w, "  profile <user>       Show a user's profile")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runInit writes the embedded example config into dir. It refuses to
// overwrite an existing config.yaml.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	target := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", target)
	}
	if err := os.WriteFile(target, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(w, "Wrote %s\n", target)
	fmt.Fprintln(w, "Edit it to point at your chat surface, then run: rapport serve")
	return nil
}

// newLogger creates the structured logger all subcommands share.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newAnalyzer builds the configured signal extractor.
func newAnalyzer(cfg *config.Config, logger *slog.Logger) (analyzer.Analyzer, error) {
	switch cfg.Analyzer.Kind {
	case "", "lexicon":
		return analyzer.Lexicon{}, nil
	case "remote":
		if cfg.Analyzer.URL == "" {
			return nil, fmt.Errorf("analyzer.url is required for the remote analyzer")
		}
		return analyzer.NewRemote(cfg.Analyzer.URL, logger), nil
	default:
		return nil, fmt.Errorf("unknown analyzer kind: %q", cfg.Analyzer.Kind)
	}
}

// newGenerator builds the configured text-generation client.
func newGenerator(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Generation.Provider {
	case "anthropic":
		if cfg.Generation.APIKey == "" {
			return nil, fmt.Errorf("generation.api_key is required for anthropic")
		}
		return llm.NewAnthropicClient(cfg.Generation.APIKey, logger), nil
	case "", "ollama":
		return llm.NewOllamaClient(cfg.Generation.OllamaURL), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %q", cfg.Generation.Provider)
	}
}

// newTransport builds the configured chat surface connection.
func newTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "", "websocket":
		if cfg.Transport.WebSocket.URL == "" {
			return nil, fmt.Errorf("transport.websocket.url is required")
		}
		return transport.NewWSTransport(cfg.Transport.WebSocket.URL, cfg.Transport.WebSocket.Token, logger), nil
	case "mqtt":
		if cfg.Transport.MQTT.Broker == "" || cfg.Transport.MQTT.Room == "" {
			return nil, fmt.Errorf("transport.mqtt.broker and transport.mqtt.room are required")
		}
		return transport.NewMQTTTransport(transport.MQTTConfig{
			Broker:   cfg.Transport.MQTT.Broker,
			Room:     cfg.Transport.MQTT.Room,
			Username: cfg.Transport.MQTT.Username,
			Password: cfg.Transport.MQTT.Password,
			ClientID: cfg.Transport.MQTT.ClientID,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Transport.Kind)
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		PollInterval:          time.Duration(cfg.Session.PollIntervalSec) * time.Second,
		CallTimeout:           time.Duration(cfg.Session.CallTimeoutSec) * time.Second,
		GenerationRetries:     cfg.Session.GenerationRetries,
		PersistenceRetries:    cfg.Session.PersistenceRetries,
		ConflictRetries:       cfg.Session.ConflictRetries,
		TransportFailureLimit: cfg.Session.TransportFailureLimit,
		BackoffInitial:        time.Duration(cfg.Session.BackoffInitialMs) * time.Millisecond,
		FallbackReply:         cfg.Session.FallbackReply,
		Params: llm.Params{
			Model:       cfg.Generation.Model,
			Temperature: cfg.Generation.Temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
		},
	}
}

// runServe starts the full bot: transport, session loop, and operator
// API server. It blocks until SIGINT/SIGTERM or a fatal session error.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("starting Rapport",
		"version", buildinfo.Version,
		"config", cfgPath,
	)

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	an, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}
	tr, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer tr.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := gen.Ping(pingCtx); err != nil {
		logger.Warn("generation service unreachable at startup", "error", err)
	}
	pingCancel()

	builder := prompt.Builder{MaxChars: cfg.Session.MaxPromptChars}
	sess := session.New(tr, an, gen, st, builder, sessionConfig(cfg), logger)

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, sess, cancel, logger)

	// The session loop and API server run concurrently; whichever fails
	// first takes the process down.
	errCh := make(chan error, 2)
	go func() { errCh <- sess.Run(ctx) }()
	go func() { errCh <- server.Start(ctx) }()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := <-errCh; err != nil && ctx.Err() == nil {
		cancel()
		<-errCh
		return err
	}
	cancel()
	<-errCh

	logger.Info("Rapport stopped")
	return nil
}

// nopTransport satisfies the session's transport dependency for
// subcommands that never poll or send.
type nopTransport struct{}

func (nopTransport) Connect(ctx context.Context) error { return nil }
func (nopTransport) Close() error                      { return nil }

func (nopTransport) Poll(ctx context.Context) ([]transport.Message, error) {
	return nil, nil
}

func (nopTransport) Send(ctx context.Context, userID, text string) error {
	return nil
}

// runAsk pushes one message through the full pipeline and prints the
// reply. The merge is persisted, so repeated asks build up the profile
// just like live chat traffic.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, userID, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Keep serve's stdout clean for the reply; logs go to stderr.
	logger := newLogger(stderr, slog.LevelWarn)

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	an, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}

	builder := prompt.Builder{MaxChars: cfg.Session.MaxPromptChars}
	sess := session.New(nopTransport{}, an, gen, st, builder, sessionConfig(cfg), logger)

	reply, err := sess.Ask(ctx, userID, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runProfile prints a user's stored profile.
func runProfile(ctx context.Context, stdout io.Writer, configPath, userID, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	p, err := st.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no profile for %s", userID)
	}
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	fmt.Fprintf(stdout, "User:          %s\n", p.UserID)
	fmt.Fprintf(stdout, "Observations:  %d\n", p.SentimentCount)
	fmt.Fprintf(stdout, "Avg sentiment: %.3f\n", p.AvgSentiment())
	if top, ok := p.TopTopic(); ok {
		fmt.Fprintf(stdout, "Top topic:     %s\n", top)
	}
	fmt.Fprintf(stdout, "Version:       %d\n", p.Version)
	if p.Topics.Len() > 0 {
		fmt.Fprintln(stdout, "Topics:")
		p.Topics.Each(func(topic string, count int64) {
			fmt.Fprintf(stdout, "  %-20s %d\n", topic, count)
		})
	}
	return nil
}
