package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/suzent/suzent-client/internal/chat"
	"github.com/suzent/suzent-client/internal/chatstore"
	"github.com/suzent/suzent-client/internal/config"
	"github.com/suzent/suzent-client/internal/plan"
	"github.com/suzent/suzent-client/internal/uploads"
)

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	chatID := fs.String("chat", "", "Resume an existing conversation id")
	profileName := fs.String("profile", "", "Agent profile name (default: config default_profile)")
	_ = fs.Parse(args)

	cfg, log := mustLoadConfig(*cfgPath)
	client := mustNewClient(cfg, log)

	profiles, err := config.LoadProfiles(cfg.ResolveProfilesPath(filepath.Clean(*cfgPath)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load profiles: %v\n", err)
		os.Exit(1)
	}
	sendCfg, err := resolveSendConfig(profiles, cfg.DefaultProfile, *profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cache, err := chatstore.Open(filepath.Join(cfg.ResolveStateDir(filepath.Clean(*cfgPath)), "conversations.db"))
	if err != nil {
		if errors.Is(err, chatstore.ErrLocked) {
			fmt.Fprintln(os.Stderr, "another suzent chat session is already running against this state directory")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "failed to open local cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	store := chat.NewStore()
	reconciler := plan.NewReconciler(client, log)
	uploader := uploads.NewUploader(client, log)

	ui := &repl{
		out:        os.Stdout,
		store:      store,
		reconciler: reconciler,
	}

	session, err := chat.NewSession(chat.SessionOptions{
		Store:    store,
		Backend:  client,
		Uploader: uploader,
		Plans:    reconciler,
		Saver:    &dualSaver{remote: client, cache: cache, log: log},
		Memory:   client,
		Log:      log,
		Callbacks: chat.Callbacks{
			OnDelta:               ui.onDelta,
			OnNewAssistantMessage: ui.onNewAssistantMessage,
			OnStepInfo:            ui.onStepInfo,
			OnPlanSnapshot:        ui.onPlanSnapshot,
			OnComplete:            ui.onComplete,
			OnStopped:             ui.onStopped,
			OnError:               ui.onError,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	ui.session = session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resumedID := strings.TrimSpace(*chatID)
	if resumedID != "" {
		conv, err := client.GetConversation(ctx, resumedID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to resume %s: %v\n", resumedID, err)
			os.Exit(1)
		}
		if err := store.Track(conv); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		ui.conversationID = conv.ID
		printHistoryTail(os.Stdout, conv, 6)
		if err := reconciler.Refresh(ctx, conv.ID); err != nil && !errors.Is(err, plan.ErrNoPlans) {
			log.Warn("plan refresh failed", "conversation_id", conv.ID, "error", err)
		}
	}

	// Ctrl-C stops the active stream; a second one exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		interrupts := 0
		for range sigCh {
			interrupts++
			if interrupts >= 2 {
				fmt.Fprintln(os.Stderr, "\nexiting")
				os.Exit(130)
			}
			go func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				if err := session.Stop(stopCtx); err != nil {
					log.Warn("stop failed", "error", err)
				}
			}()
		}
	}()

	fmt.Println("suzent chat. /help for commands, Ctrl-C stops a running stream.")
	ui.loop(ctx, sendCfg)
}

func resolveSendConfig(profiles map[string]config.Profile, defaultName string, override string) (chat.SendConfig, error) {
	name := strings.TrimSpace(override)
	if name == "" {
		name = strings.TrimSpace(defaultName)
	}
	if name == "" {
		return chat.SendConfig{}, nil
	}
	p, ok := profiles[name]
	if !ok {
		return chat.SendConfig{}, fmt.Errorf("unknown profile: %s", name)
	}
	return p.SendConfig(), nil
}

// dualSaver checkpoints to the backend and mirrors to the local cache. The
// backend write is authoritative; a cache failure is only logged.
type dualSaver struct {
	remote chat.Saver
	cache  *chatstore.Store
	log    *slog.Logger
}

func (d *dualSaver) SaveConversation(ctx context.Context, conv chat.Conversation) error {
	if d.cache != nil {
		if err := d.cache.Save(ctx, conv); err != nil {
			d.log.Warn("local cache save failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return d.remote.SaveConversation(ctx, conv)
}

// repl owns terminal rendering. Stream callbacks arrive on the send
// goroutine; the prompt loop blocks in Send while they fire, so no locking
// is needed here.
type repl struct {
	out        io.Writer
	store      *chat.Store
	reconciler *plan.Reconciler
	session    *chat.Session

	conversationID string
	attachments    []string
	rendered       string
}

func (r *repl) loop(ctx context.Context, sendCfg chat.SendConfig) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, "> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if r.command(ctx, line) {
				return
			}
			continue
		}

		r.rendered = ""
		attachments := r.attachments
		r.attachments = nil
		convID, err := r.session.Send(ctx, r.conversationID, line, attachments, sendCfg)
		if convID != "" {
			r.conversationID = convID
		}
		if err != nil {
			fmt.Fprintf(r.out, "\nerror: %v\n", err)
		}
	}
}

// command handles a slash command; it returns true when the loop should
// exit.
func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprint(r.out, `commands:
  /new               start a fresh conversation
  /reset             clear agent context on the next message
  /attach <path>     attach a file or image to the next message
  /plan              show the effective plan
  /plans             list plan version keys
  /select <key>      pin a plan version
  /stop              stop the running stream
  /quit              exit
`)

	case "/new":
		r.conversationID = ""
		r.attachments = nil
		fmt.Fprintln(r.out, "starting a new conversation on the next message")

	case "/reset":
		if r.conversationID == "" {
			fmt.Fprintln(r.out, "no conversation yet; the next message starts fresh anyway")
			break
		}
		r.store.RequestReset(r.conversationID)
		fmt.Fprintln(r.out, "context will reset on the next message")

	case "/attach":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /attach <path>")
			break
		}
		for _, p := range fields[1:] {
			if _, err := os.Stat(p); err != nil {
				fmt.Fprintf(r.out, "cannot attach %s: %v\n", p, err)
				continue
			}
			r.attachments = append(r.attachments, p)
			fmt.Fprintf(r.out, "attached %s\n", p)
		}

	case "/plan":
		p := r.reconciler.Plan()
		if p == nil {
			fmt.Fprintln(r.out, "no plan")
			break
		}
		printPlan(r.out, p)

	case "/plans":
		plans := r.reconciler.Plans()
		if len(plans) == 0 && r.reconciler.SnapshotPlan() == nil {
			fmt.Fprintln(r.out, "no plans")
			break
		}
		selected := r.reconciler.SelectedKey()
		if snap := r.reconciler.SnapshotPlan(); snap != nil {
			fmt.Fprintf(r.out, "%s %s (live)\n", marker(snap.VersionKey == selected), snap.VersionKey)
		}
		for _, p := range plans {
			fmt.Fprintf(r.out, "%s %s\n", marker(p.Key() == selected), p.Key())
		}

	case "/select":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /select <version-key>")
			break
		}
		if !r.reconciler.SelectPlan(fields[1]) {
			fmt.Fprintf(r.out, "unknown plan version: %s\n", fields[1])
			break
		}
		fmt.Fprintf(r.out, "selected %s\n", fields[1])

	case "/stop":
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.session.Stop(stopCtx); err != nil {
			fmt.Fprintf(r.out, "stop failed: %v\n", err)
		}
		cancel()

	default:
		fmt.Fprintf(r.out, "unknown command: %s\n", fields[0])
	}
	return false
}

func marker(selected bool) string {
	if selected {
		return "*"
	}
	return " "
}

// onDelta prints the unprinted suffix of the assembled content. Newline
// normalization keeps the content append-only across deltas; if the tail
// ever diverges, reprint from a fresh line.
func (r *repl) onDelta(conversationID string, content string) {
	if strings.HasPrefix(content, r.rendered) {
		fmt.Fprint(r.out, content[len(r.rendered):])
	} else {
		fmt.Fprint(r.out, "\n"+content)
	}
	r.rendered = content
}

func (r *repl) onNewAssistantMessage(conversationID string) {
	if r.rendered != "" {
		fmt.Fprintln(r.out)
	}
	r.rendered = ""
}

func (r *repl) onStepInfo(conversationID string, info string) {
	if info = strings.TrimSpace(info); info != "" {
		fmt.Fprintf(r.out, "[%s]\n", info)
	}
}

func (r *repl) onPlanSnapshot(conversationID string) {
	if p := r.reconciler.Plan(); p != nil {
		fmt.Fprintf(r.out, "\n(plan updated: %s)\n", p.VersionKey)
	}
}

func (r *repl) onComplete(conversationID string) {
	fmt.Fprintln(r.out)
}

func (r *repl) onStopped(conversationID string, reason string, removedEmpty bool) {
	if reason == "" {
		reason = "stopped"
	}
	fmt.Fprintf(r.out, "\n(%s)\n", reason)
}

func (r *repl) onError(conversationID string, err error) {
	fmt.Fprintf(r.out, "\nstream error: %v\n", err)
}

func printPlan(w io.Writer, p *plan.Plan) {
	if p == nil {
		return
	}
	if obj := strings.TrimSpace(p.Objective); obj != "" {
		fmt.Fprintf(w, "objective: %s\n", obj)
	}
	fmt.Fprintf(w, "version: %s\n", p.VersionKey)
	for _, ph := range p.Phases {
		title := strings.TrimSpace(ph.Title)
		if title == "" {
			title = strings.TrimSpace(ph.Description)
		}
		fmt.Fprintf(w, "  %2d. [%s] %s\n", ph.Number, statusGlyph(ph.Status), title)
		if note := strings.TrimSpace(ph.Note); note != "" {
			fmt.Fprintf(w, "      note: %s\n", note)
		}
	}
}

func statusGlyph(status string) string {
	switch plan.NormalizePhaseStatus(status) {
	case plan.PhaseStatusCompleted:
		return "x"
	case plan.PhaseStatusInProgress:
		return ">"
	default:
		return " "
	}
}

func printHistoryTail(w io.Writer, conv chat.Conversation, n int) {
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(w, "[%s] %s\n", m.Role, content)
	}
}
