package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/suzent/suzent-client/internal/api"
	"github.com/suzent/suzent-client/internal/config"
	"github.com/suzent/suzent-client/internal/monitor"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "chat":
		chatCmd(os.Args[2:])
	case "chats":
		chatsCmd(os.Args[2:])
	case "plans":
		plansCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("suzent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `suzent

Usage:
  suzent init [flags]
  suzent chat [flags]
  suzent chats [flags]
  suzent plans -chat <id> [flags]
  suzent status [flags]
  suzent version

Commands:
  init        Write the client config file.
  chat        Start an interactive chat session.
  chats       List conversations on the server.
  plans       Show the persisted plans for a conversation.
  status      Print local machine health.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	server := fs.String("server", "", "Backend base URL (e.g. http://127.0.0.1:8000)")
	profile := fs.String("profile", "", "Default agent profile name")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	logFormat := fs.String("log-format", "", "Log format: json|text (default: text on a terminal)")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if strings.TrimSpace(*server) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		ServerBaseURL:  strings.TrimSpace(*server),
		DefaultProfile: strings.TrimSpace(*profile),
		LogFormat:      strings.TrimSpace(*logFormat),
		LogLevel:       strings.TrimSpace(*logLevel),
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func chatsCmd(args []string) {
	fs := flag.NewFlagSet("chats", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 50, "Max conversations to list")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	_ = fs.Parse(args)

	cfg, log := mustLoadConfig(*cfgPath)
	client := mustNewClient(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convs, total, err := client.ListConversations(ctx, *limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list conversations failed: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(convs)
		return
	}
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s\n", c.ID, title)
	}
	fmt.Printf("%d of %d conversation(s)\n", len(convs), total)
}

func plansCmd(args []string) {
	fs := flag.NewFlagSet("plans", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	chatID := fs.String("chat", "", "Conversation id")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	_ = fs.Parse(args)

	if strings.TrimSpace(*chatID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, log := mustLoadConfig(*cfgPath)
	client := mustNewClient(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	plans, err := client.ListPlans(ctx, strings.TrimSpace(*chatID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "list plans failed: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(plans)
		return
	}
	for _, p := range plans {
		printPlan(os.Stdout, &p)
		fmt.Println()
	}
	if len(plans) == 0 {
		fmt.Println("no plans")
	}
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sortBy := fs.String("sort", "cpu", "Process sort: cpu|memory")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	_ = fs.Parse(args)

	log := newQuietLogger()
	svc := monitor.NewService(log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report := svc.Report(ctx, *sortBy)
	if *asJSON {
		printJSON(report)
		return
	}

	fmt.Printf("platform: %s  cores: %d  cpu: %.1f%%  mem: %.1f%%\n",
		report.Platform, report.CPUCores, report.CPUUsage, report.MemoryPercent)
	if len(report.LoadAverage) == 3 {
		fmt.Printf("load: %.2f %.2f %.2f  uptime: %s\n",
			report.LoadAverage[0], report.LoadAverage[1], report.LoadAverage[2],
			(time.Duration(report.UptimeSeconds) * time.Second).String())
	}
	fmt.Printf("net: %.0f B/s down, %.0f B/s up\n", report.NetworkSpeedReceived, report.NetworkSpeedSent)
	for i, p := range report.Processes {
		if i >= 10 {
			break
		}
		fmt.Printf("  %6d  %5.1f%%  %8d KiB  %s\n", p.PID, p.CPUPercent, p.MemoryBytes/1024, p.Name)
	}
}

func mustLoadConfig(path string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "run `suzent init -server <url>` first\n")
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return cfg, log
}

func mustNewClient(cfg *config.Config, log *slog.Logger) *api.Client {
	client, err := api.NewClient(cfg.ServerBaseURL, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return client
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "":
		// Interactive runs default to text so logs do not fight the chat UI.
		if isTerminalWriter(os.Stderr) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

func newQuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func isTerminalWriter(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
