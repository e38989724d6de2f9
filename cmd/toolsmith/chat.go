package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/toolsmith/internal/agent"
	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/storage"
	"github.com/michaelbrown/toolsmith/internal/tools"
)

var resumeID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with an agent",
	Long: `Start an interactive conversation with a Toolsmith agent.
Every message you send is one run: tool servers are connected as needed
and disconnected when the reply is done.

Examples:
  toolsmith chat
  toolsmith chat --profile researcher
  toolsmith chat --provider ollama --model qwen3:8b`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	router := tools.NewRouter(e.registry, e.conns)

	run, sel, a, err := startRun(ctx, e, router)
	if err != nil {
		return err
	}

	fmt.Printf("Toolsmith - Interactive Agent Chat\n")
	if sel.Profile != "" {
		fmt.Printf("Profile: %s\n", sel.Profile)
	}
	fmt.Printf("Provider: %s | Model: %s | Run: %s\n", sel.Provider, sel.Model, shortID(run.ID))
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	var outMu sync.Mutex
	a.OnTextDelta = func(delta string) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Print(delta)
	}
	a.OnToolCall = func(name string, args map[string]any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Printf("\n  \033[33m⚡ Tool: %s\033[0m\n", agent.FormatToolCall(name, args))
	}
	a.OnToolResult = func(name string, result string) {
		outMu.Lock()
		defer outMu.Unlock()
		printPreview(result, 8)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "toolsmith_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active request, not the whole app.
	var (
		cancelMu  sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			cancelMu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			cancelMu.Unlock()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(ctx, input, a, e, router); quit {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		cancelMu.Lock()
		reqCancel = cancel
		cancelMu.Unlock()

		if run.Title == "" {
			run.Title = truncate(input, 80)
		}
		run.Status = storage.StatusRunning
		_ = e.store.UpdateRun(ctx, run)

		fmt.Printf("\n\033[32mtoolsmith>\033[0m ")
		_, err = a.RunStreaming(reqCtx, input)
		wasInterrupted := reqCtx.Err() != nil

		cancelMu.Lock()
		cancel()
		reqCancel = nil
		cancelMu.Unlock()

		run.Status = storage.StatusCompleted
		if err != nil {
			run.Status = storage.StatusFailed
		}
		if saveErr := e.store.SaveMessages(ctx, run.ID, a.History()); saveErr != nil {
			fmt.Printf("\n\033[31mwarning: saving messages: %s\033[0m\n", saveErr)
		}
		_ = e.store.UpdateRun(ctx, run)

		if err != nil {
			if wasInterrupted {
				fmt.Println("\n(interrupted)")
				continue
			}
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
			continue
		}

		fmt.Printf("\n\n")
	}
}

// startRun builds the agent and either resumes the run named by resumeID or
// records a new one.
func startRun(ctx context.Context, e *env, router *tools.Router) (*storage.Run, agent.Selection, *agent.Agent, error) {
	sel := agent.Selection{Provider: providerFlag, Model: modelFlag, Profile: profileFlag}

	var run *storage.Run
	if resumeID != "" {
		var err error
		run, err = e.store.GetRun(ctx, resumeID)
		if err != nil {
			return nil, sel, nil, err
		}
		if sel.Provider == "" && sel.Model == "" {
			sel.Provider, sel.Model = run.Provider, run.Model
		}
		if sel.Profile == "" {
			sel.Profile = run.Profile
		}
	}

	a, sel, err := agent.FromConfig(e.cfg, sel, router, agent.DefaultClient)
	if err != nil {
		return nil, sel, nil, err
	}

	if run != nil {
		messages, err := e.store.LoadMessages(ctx, run.ID)
		if err != nil {
			return nil, sel, nil, err
		}
		a.SetHistory(messages)
		return run, sel, a, nil
	}

	run = &storage.Run{
		ID:       uuid.New().String(),
		Status:   storage.StatusActive,
		Provider: sel.Provider,
		Model:    sel.Model,
		Profile:  sel.Profile,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, sel, nil, err
	}
	return run, sel, a, nil
}

func printPreview(result string, maxLines int) {
	lines := strings.Split(strings.TrimSpace(result), "\n")
	preview := lines
	if len(preview) > maxLines {
		preview = preview[:maxLines]
	}
	for _, line := range preview {
		fmt.Printf("  \033[90m│ %s\033[0m\n", line)
	}
	if len(lines) > maxLines {
		fmt.Printf("  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-maxLines)
	}
	fmt.Println()
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(ctx context.Context, input string, a *agent.Agent, e *env, router *tools.Router) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		a.Reset()
		fmt.Println("Conversation reset.")
		fmt.Println()
	case "/history":
		fmt.Println(a.HistoryJSON())
		fmt.Println()
	case "/tools":
		listTools(ctx, router)
	case "/connections":
		entries := e.conns.Entries()
		if len(entries) == 0 {
			fmt.Println("No live connections.")
		}
		for _, en := range entries {
			fmt.Printf("  %s  %s  %s\n", cell(en.Server, 20), en.Scope, timeAgo(en.CreatedAt))
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help         - Show this help")
		fmt.Println("  /tools        - List tools from all enabled servers")
		fmt.Println("  /connections  - Show live tool server connections")
		fmt.Println("  /reset        - Clear conversation history")
		fmt.Println("  /history      - Show raw conversation history (JSON)")
		fmt.Println("  /quit         - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

// listTools opens a throwaway scope to see what the servers advertise.
func listTools(ctx context.Context, router *tools.Router) {
	set, err := router.Open(ctx, mcpconn.NewScope())
	if err != nil {
		fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		return
	}
	defer set.Close()

	defs := set.Defs()
	if len(defs) == 0 {
		fmt.Println("No tools available.")
	}
	for _, d := range defs {
		fmt.Printf("  %s %s\n", cell(d.Name, 28), truncate(d.Description, 70))
	}
	fmt.Println()
}
