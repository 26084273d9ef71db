package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openrobobrain/orb/internal/bootstrap"
	"github.com/openrobobrain/orb/internal/bus"
	"github.com/openrobobrain/orb/internal/config"
	"github.com/openrobobrain/orb/internal/runtime"
)

func chatCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
		stream     bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the brain interactively or send a one-shot utterance",
		Long: `Talk to the brain in-process; no daemon required.

Examples:
  orb chat                          # Interactive REPL
  orb chat -m "去厨房"              # One-shot utterance
  orb chat -s agent:robot:bench     # Address a specific session`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, sessionKey, stream)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot utterance (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the agent's main session)")
	cmd.Flags().BoolVar(&stream, "stream", true, "print assistant deltas as they arrive")

	return cmd
}

func runChat(message, sessionKey string, stream bool) {
	// Replies go to stdout; keep logs on stderr and quiet unless -v.
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureWorkspaceFiles(cfg.WorkspacePath()); err == nil &&
		len(cfg.Agent.BootstrapFiles) == 0 {
		cfg.Agent.BootstrapFiles = bootstrap.TemplateNames()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	printer := &deltaPrinter{}
	core, err := runtime.New(ctx, cfg, runtime.WithVersion(Version), runtime.WithEventHandler(printer.handle))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer core.Close()

	var opts []runtime.ProcessOption
	if sessionKey != "" {
		opts = append(opts, runtime.WithSessionKey(sessionKey))
	}
	if stream {
		opts = append(opts, runtime.WithStream())
	}

	turn := func(input string) bool {
		printer.begin()
		res := core.Process(ctx, input, opts...)
		streamed := printer.end()
		if streamed != "" {
			fmt.Println()
		}
		if streamed != res.ChatResponse {
			fmt.Printf("%s\n", res.ChatResponse)
		}
		for i := range res.ROS2Commands {
			c := &res.ROS2Commands[i]
			params, _ := json.Marshal(c.Parameters)
			fmt.Fprintf(os.Stderr, "  [command] %s %s\n", c.CommandType, params)
		}
		if !res.Success {
			fmt.Fprintf(os.Stderr, "  (%s)\n", res.Error)
		}
		return res.Success
	}

	if message != "" {
		if !turn(message) {
			os.Exit(1)
		}
		return
	}

	// Interactive REPL
	fmt.Fprintf(os.Stderr, "\norb chat — agent %s", core.AgentID())
	if core.Provider != nil {
		fmt.Fprintf(os.Stderr, " | model %s", cfg.LLM.Model)
	} else {
		fmt.Fprint(os.Stderr, " | rule-only (no provider)")
	}
	fmt.Fprint(os.Stderr, "\nType \"exit\" to quit, \"/reset\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		turn(input)
		fmt.Fprintln(os.Stderr)
	}
}

// deltaPrinter writes assistant deltas to stdout as they arrive.
// Events from background spawns are filtered out by the loop itself:
// only streaming runs emit deltas.
type deltaPrinter struct {
	mu      sync.Mutex
	active  bool
	printed strings.Builder
}

func (p *deltaPrinter) handle(ev bus.StreamEvent) {
	if ev.Type != bus.EventAssistantDelta {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	if s, ok := ev.Data["content"].(string); ok {
		fmt.Print(s)
		p.printed.WriteString(s)
	}
}

func (p *deltaPrinter) begin() {
	p.mu.Lock()
	p.active = true
	p.printed.Reset()
	p.mu.Unlock()
}

// end stops printing and returns what was written for this turn.
func (p *deltaPrinter) end() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	return p.printed.String()
}
