package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openrobobrain/orb/internal/bootstrap"
	"github.com/openrobobrain/orb/internal/config"
	"github.com/openrobobrain/orb/internal/memory"
	"github.com/openrobobrain/orb/internal/providers"
	orbruntime "github.com/openrobobrain/orb/internal/runtime"
	"github.com/openrobobrain/orb/internal/sessions"
)

func doctorCmd() *cobra.Command {
	var selftest, offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, state, and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(selftest, offline)
		},
	}
	cmd.Flags().BoolVar(&selftest, "selftest", false,
		"run one utterance through a throwaway core with a scripted provider")
	cmd.Flags().BoolVar(&offline, "offline", false,
		"skip network reachability probes")
	return cmd
}

func runDoctor(selftest, offline bool) {
	// Store and journal opens log at Info; keep the report clean.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	fmt.Println("orb doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply, run: orb onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// State
	fmt.Println()
	fmt.Println("  State:")
	stateDir := cfg.StateDirPath()
	fmt.Printf("    %-12s %s (%s)\n", "Dir:", stateDir, probeWritable(stateDir))
	checkSessions(cfg.SessionsDir())
	checkMemoryJournal(cfg.MemoryDir())
	if cfg.Data.DatabaseURL != "" {
		fmt.Printf("    %-12s %s (deployment-managed, unused here)\n",
			"Database:", redactDSN(cfg.Data.DatabaseURL))
	}

	// Provider
	fmt.Println()
	fmt.Println("  Provider:")
	switch cfg.LLM.Provider {
	case "", "none", "rule":
		fmt.Printf("    %-12s rule-only (no LLM configured)\n", "Mode:")
	case "scripted":
		fmt.Printf("    %-12s scripted (test provider)\n", "Mode:")
	default:
		fmt.Printf("    %-12s %s\n", "Name:", cfg.LLM.Provider)
		if cfg.LLM.Model != "" {
			fmt.Printf("    %-12s %s\n", "Model:", cfg.LLM.Model)
		}
		base := cfg.LLM.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		if offline {
			fmt.Printf("    %-12s %s\n", "Endpoint:", base)
		} else {
			fmt.Printf("    %-12s %s (%s)\n", "Endpoint:", base, probeEndpoint(base))
		}
		checkAPIKey(cfg.LLM.APIKey)
	}

	// Bridge
	fmt.Println()
	fmt.Println("  Bridge:")
	if cfg.BridgeMock() {
		fmt.Printf("    %-12s mock (commands logged, not sent)\n", "Mode:")
	} else if offline {
		fmt.Printf("    %-12s controller\n", "Mode:")
		fmt.Printf("    %-12s %s\n", "Controller:", cfg.Bridge.ControllerURL)
	} else {
		fmt.Printf("    %-12s controller\n", "Mode:")
		fmt.Printf("    %-12s %s (%s)\n", "Controller:",
			cfg.Bridge.ControllerURL, probeEndpoint(cfg.Bridge.ControllerURL))
	}

	// Broadcast
	fmt.Println()
	fmt.Println("  Broadcast:")
	checkBroadcastPorts(cfg.Broadcast.Host, cfg.Broadcast.Port)

	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Println("  Telemetry:")
		proto := cfg.Telemetry.Protocol
		if proto == "" {
			proto = "grpc"
		}
		fmt.Printf("    %-12s %s (%s)\n", "Endpoint:", cfg.Telemetry.Endpoint, proto)
	}

	// Workspace
	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — run: orb onboard)")
	} else if missing := missingBootstrapFiles(ws); len(missing) > 0 {
		fmt.Printf(" (missing %s)\n", strings.Join(missing, ", "))
	} else {
		fmt.Println(" (OK)")
	}

	if selftest {
		runSelfTest()
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// probeWritable creates and removes a temp file in dir. Doctor never
// creates the directory itself; first run does that.
func probeWritable(dir string) string {
	if _, err := os.Stat(dir); err != nil {
		return "missing, created on first run"
	}
	f, err := os.CreateTemp(dir, ".orb-doctor-*")
	if err != nil {
		return "NOT WRITABLE"
	}
	f.Close()
	os.Remove(f.Name())
	return "writable"
}

func checkSessions(dir string) {
	if _, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-12s none yet\n", "Sessions:")
		return
	}
	store, err := sessions.NewStore(dir, sessions.ResetPolicy{})
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Sessions:", err)
		return
	}
	archived, _ := filepath.Glob(filepath.Join(dir, "*.archived.*.json"))
	fmt.Printf("    %-12s %d live, %d archived\n", "Sessions:", len(store.List()), len(archived))
}

func checkMemoryJournal(dir string) {
	records, malformed, err := memory.VerifyJournal(dir)
	if err != nil {
		fmt.Printf("    %-12s SCAN FAILED (%s)\n", "Memory:", err)
		return
	}
	if malformed > 0 {
		fmt.Printf("    %-12s %d journal records (%d malformed, skipped on load)\n",
			"Memory:", records, malformed)
		return
	}
	fmt.Printf("    %-12s %d journal records\n", "Memory:", records)
}

func checkAPIKey(key string) {
	if key == "" {
		fmt.Printf("    %-12s (not set — export ORB_API_KEY)\n", "API key:")
		return
	}
	masked := "****"
	if len(key) > 8 {
		masked = key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
	fmt.Printf("    %-12s %s\n", "API key:", masked)
}

// probeEndpoint checks TCP reachability of a ws:// or wss:// URL.
func probeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "INVALID URL"
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), 2*time.Second)
	if err != nil {
		return "UNREACHABLE"
	}
	conn.Close()
	return "reachable"
}

// checkBroadcastPorts walks the same port range Bind does.
func checkBroadcastPorts(host string, port int) {
	for i := 0; i < 3; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		ln.Close()
		if i == 0 {
			fmt.Printf("    %-12s %s (available)\n", "Address:", addr)
		} else {
			fmt.Printf("    %-12s %s busy, %s free\n", "Address:",
				net.JoinHostPort(host, strconv.Itoa(port)), addr)
		}
		return
	}
	fmt.Printf("    %-12s %s (ports %d-%d all in use — is orb already serving?)\n",
		"Address:", net.JoinHostPort(host, strconv.Itoa(port)), port, port+2)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "(set, unparseable)"
	}
	return u.Redacted()
}

func missingBootstrapFiles(ws string) []string {
	var missing []string
	for _, name := range bootstrap.TemplateNames() {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// runSelfTest assembles a throwaway core in a temp directory and runs
// one utterance end to end: matcher, agent loop, reply parsing, and
// the mock bridge. The real state dir is never touched.
func runSelfTest() {
	fmt.Println()
	fmt.Println("  Self-test:")

	dir, err := os.MkdirTemp("", "orb-doctor-")
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Tempdir:", err)
		return
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Workspace = filepath.Join(dir, "workspace")

	script := providers.NewScripted(providers.Turn{
		Deltas: []string{`{"chat_response": "all systems nominal", "ros2_commands": [{"command_type": "speak", "parameters": {"text": "self test passed"}}]}`},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	core, err := orbruntime.New(ctx, cfg, orbruntime.WithProvider(script))
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Assemble:", err)
		return
	}
	defer core.Close()
	fmt.Printf("    %-12s OK (%d tools)\n", "Assemble:", len(core.Registry.Names()))

	res := core.Process(ctx, "run a status check and say the result out loud")
	if !res.Success {
		fmt.Printf("    %-12s FAILED (%s)\n", "Process:", res.Error)
		return
	}
	fmt.Printf("    %-12s OK (%q, mode %s)\n", "Process:", res.ChatResponse, res.Mode)

	logged := len(core.Bridge.MockLog())
	if logged == len(res.ROS2Commands) && logged > 0 {
		fmt.Printf("    %-12s OK (%d command through mock bridge)\n", "Bridge:", logged)
	} else {
		fmt.Printf("    %-12s MISMATCH (%d dispatched, %d logged)\n",
			"Bridge:", len(res.ROS2Commands), logged)
	}
}
