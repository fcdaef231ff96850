// Command nanocoder is an interactive terminal coding assistant. It
// streams LLM responses, executes tool calls against the workspace with
// approval gating, and optionally bridges to an editor plugin over a
// loopback WebSocket for diff previews and prompt injection.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nanocoder-ai/nanocoder/internal/bridge"
	"github.com/nanocoder-ai/nanocoder/internal/compact"
	"github.com/nanocoder-ai/nanocoder/internal/engine"
	"github.com/nanocoder-ai/nanocoder/internal/providers"
	"github.com/nanocoder-ai/nanocoder/internal/tools"
	"github.com/nanocoder-ai/nanocoder/internal/tools/builtin"
)

const systemPrompt = `You are a coding assistant operating inside the user's workspace.
Use the available tools to read, search, and modify files and to run commands.
Prefer small, verifiable steps. When a tool fails, read the error and correct
your approach instead of repeating the same call.`

func main() {
	_ = godotenv.Load()

	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatalf("nanocoder: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nanocoder", flag.ExitOnError)
	rootFlag := fs.String("root", "", "workspace root (default: current directory)")
	promptFlag := fs.String("p", "", "run one prompt non-interactively and exit")
	noEditorFlag := fs.Bool("no-editor", false, "disable the editor bridge")
	modeFlag := fs.String("mode", "", "approval mode: normal, auto-accept, plan")
	verboseFlag := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	env, err := prepareRuntimeEnv(ctx, *rootFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	client, err := providers.NewClientFromEnv()
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(env.Config.ApprovalDefault())
	if err := builtin.Register(registry, env.Root); err != nil {
		return err
	}

	nonInteractive := env.Config.NonInteractive || *promptFlag != ""
	// The configured development mode is the default; the -mode flag
	// overrides it for this run.
	modeName := env.Config.Mode()
	if *modeFlag != "" {
		modeName = *modeFlag
	}
	var mode engine.Mode
	switch m := engine.Mode(modeName); m {
	case engine.ModeNormal, engine.ModeAutoAccept, engine.ModePlan:
		mode = m
	default:
		return fmt.Errorf("unknown mode %q", modeName)
	}

	var br *bridge.Server
	var engineBridge engine.EditorBridge
	if env.Config.Editor.Enabled && !*noEditorFlag {
		cfg := bridge.DefaultConfig()
		if env.Config.Editor.Port > 0 {
			cfg.Port = env.Config.Editor.Port
		}
		if env.Config.Editor.MaxFallbacks > 0 {
			cfg.MaxFallbacks = env.Config.Editor.MaxFallbacks
		}
		br = bridge.New(cfg, logger, func() bridge.Status {
			return bridge.Status{
				Connected:        true,
				Model:            client.CurrentModel(),
				Provider:         os.Getenv("LLM_PROVIDER"),
				WorkingDirectory: env.Root,
			}
		})
		if err := br.Start(ctx); err != nil {
			logger.Warn("editor bridge disabled", "error", err)
			br = nil
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				br.Shutdown(shutdownCtx)
			}()
			engineBridge = br
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var prompter engine.Prompter
	if !nonInteractive {
		prompter = newTerminalPrompter(scanner)
	}

	eng := engine.New(engine.Config{
		SystemPrompt:           systemPrompt,
		Mode:                   mode,
		NonInteractive:         nonInteractive,
		ContextWarnPercent:     env.Config.ContextWarnPercent,
		ContextCriticalPercent: env.Config.ContextCriticalPercent,
		CompactionMode:         compact.Mode(env.Config.Compaction.Mode),
		CompactionKeepRecent:   env.Config.Compaction.KeepRecent,
	}, registry, client, engineBridge, prompter)

	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()
	go renderEvents(renderCtx, eng.Events())

	// SIGINT cancels the running turn; a second SIGINT kills the process
	// through the default handler.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		for range sigCh {
			eng.Cancel()
		}
	}()
	defer signal.Stop(sigCh)

	if *promptFlag != "" {
		return eng.Submit(ctx, *promptFlag)
	}
	return repl(ctx, eng, env, br, client, scanner)
}

type chatClient interface {
	ListModels(ctx context.Context) ([]string, error)
	CurrentModel() string
	SetModel(model string)
}

// repl runs the interactive loop. Editor-injected prompts are drained
// between turns so they queue instead of interleaving with terminal
// input.
func repl(ctx context.Context, eng *engine.Engine, env *runtimeEnv, br *bridge.Server, client chatClient, scanner *bufio.Scanner) error {
	fmt.Printf("nanocoder ready (model: %s, workspace: %s)\n", client.CurrentModel(), env.Root)
	if br != nil {
		fmt.Printf("editor bridge listening on port %d\n", br.Port())
	}

	var pending []string
	for {
		if br != nil {
			pending = append(pending, drainPrompts(br)...)
		}
		var input string
		if len(pending) > 0 {
			input = pending[0]
			pending = pending[1:]
			fmt.Printf("editor> %s\n", input)
		} else {
			fmt.Print("you> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			input = strings.TrimSpace(scanner.Text())
		}
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, eng, env, client, input)
			if err != nil {
				fmt.Printf("✗ %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := eng.Submit(ctx, input); err != nil {
			if engine.IsFatal(err) {
				return err
			}
			// Recoverable turn failures were already rendered.
		}
		fmt.Println()
	}
}

func drainPrompts(br *bridge.Server) []string {
	var out []string
	for {
		select {
		case p := <-br.Prompts():
			out = append(out, p.Prompt)
		default:
			return out
		}
	}
}

// handleCommand dispatches slash commands. Returns quit=true on /quit.
func handleCommand(ctx context.Context, eng *engine.Engine, env *runtimeEnv, client chatClient, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/clear":
		eng.Clear()
		fmt.Println("conversation cleared")

	case "/mode":
		if len(rest) == 0 {
			fmt.Printf("mode: %s\n", eng.Mode())
			return false, nil
		}
		switch m := engine.Mode(rest[0]); m {
		case engine.ModeNormal, engine.ModeAutoAccept, engine.ModePlan:
			eng.SetMode(m)
			fmt.Printf("mode: %s\n", m)
		default:
			return false, fmt.Errorf("unknown mode %q", rest[0])
		}

	case "/models":
		models, err := client.ListModels(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range models {
			fmt.Println(m)
		}

	case "/model":
		if len(rest) == 0 {
			fmt.Println(client.CurrentModel())
			return false, nil
		}
		client.SetModel(rest[0])
		fmt.Printf("model: %s\n", rest[0])

	case "/save":
		if env.Checkpoints == nil {
			return false, fmt.Errorf("checkpoints unavailable")
		}
		if len(rest) == 0 {
			return false, fmt.Errorf("usage: /save <name>")
		}
		id, err := env.Checkpoints.Save(ctx, rest[0], client.CurrentModel(), eng.History())
		if err != nil {
			return false, err
		}
		fmt.Printf("saved checkpoint %s (%s)\n", rest[0], id)

	case "/restore":
		if env.Checkpoints == nil {
			return false, fmt.Errorf("checkpoints unavailable")
		}
		if len(rest) == 0 {
			return false, fmt.Errorf("usage: /restore <name>")
		}
		cp, err := env.Checkpoints.LoadByName(ctx, rest[0])
		if err != nil {
			return false, err
		}
		// Keep the current conversation recoverable.
		backup := "backup-" + time.Now().Format("20060102-150405")
		if _, err := env.Checkpoints.Save(ctx, backup, client.CurrentModel(), eng.History()); err != nil {
			return false, fmt.Errorf("refusing to restore, backup failed: %w", err)
		}
		eng.ReplaceHistory(cp.Messages)
		fmt.Printf("restored %s (%d messages); previous conversation saved as %s\n",
			cp.Name, len(cp.Messages), backup)

	case "/checkpoints":
		if env.Checkpoints == nil {
			return false, fmt.Errorf("checkpoints unavailable")
		}
		metas, err := env.Checkpoints.List(ctx)
		if err != nil {
			return false, err
		}
		if len(metas) == 0 {
			fmt.Println("no checkpoints")
			return false, nil
		}
		for _, m := range metas {
			fmt.Printf("%s  %-20s %3d messages  %s\n",
				m.CreatedAt.Format("2006-01-02 15:04"), m.Name, m.MessageCount, m.ID)
		}

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}
