package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/openrobobrain/orb/internal/bootstrap"
	"github.com/openrobobrain/orb/internal/config"
)

func onboardCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "First-time setup: provider, directories, bridge, broadcast",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false,
		"skip the prompts and keep current values (env overrides still apply)")
	return cmd
}

func runOnboard(nonInteractive bool) {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if !nonInteractive {
		if err := promptConfig(cfg); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Onboarding cancelled, nothing saved.")
				return
			}
			slog.Error("onboarding form failed", "error", err)
			os.Exit(1)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		slog.Error("config save failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	created, err := bootstrap.EnsureWorkspaceFiles(cfg.WorkspacePath())
	if err != nil {
		slog.Error("workspace seeding failed", "workspace", cfg.WorkspacePath(), "error", err)
		os.Exit(1)
	}
	if len(created) > 0 {
		fmt.Printf("Workspace %s seeded: %s\n", cfg.WorkspacePath(), strings.Join(created, ", "))
	} else {
		fmt.Printf("Workspace %s already populated.\n", cfg.WorkspacePath())
	}

	fmt.Println()
	fmt.Println("Next steps:")
	step := 1
	if cfg.LLM.Provider != "" && cfg.LLM.APIKey == "" {
		fmt.Printf("  %d. export ORB_API_KEY=<your key>\n", step)
		step++
	}
	fmt.Printf("  %d. orb doctor --selftest\n", step)
	fmt.Printf("  %d. orb chat\n", step+1)
}

// promptConfig edits cfg in place through a terminal form. Values start
// from the loaded config so re-running onboard keeps customizations.
func promptConfig(cfg *config.Config) error {
	provider := cfg.LLM.Provider
	if provider == "" {
		provider = "none"
	}
	model := cfg.LLM.Model
	workspace := cfg.Workspace
	stateDir := cfg.StateDir
	controllerURL := cfg.Bridge.ControllerURL
	port := strconv.Itoa(cfg.Broadcast.Port)
	confirmed := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Inference provider").
				Description("Rule-only answers from keyword tables and needs no API key.").
				Options(
					huh.NewOption("OpenAI-compatible API", "openai"),
					huh.NewOption("None (rule-only)", "none"),
				).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Placeholder("gpt-4o-mini").
				Description("The API key is read from ORB_API_KEY and never written to the config file.").
				Value(&model),
		).WithHideFunc(func() bool { return provider == "none" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("IDENTITY.md, ROBOT.md, BEHAVIOR.md, and USER.md live here.").
				Value(&workspace),
			huh.NewInput().
				Title("State directory").
				Description("Session transcripts and the memory journal.").
				Value(&stateDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Motion controller URL").
				Placeholder("ws://localhost:9090").
				Description("Leave blank to run against the mock bridge.").
				Value(&controllerURL),
			huh.NewInput().
				Title("Broadcast port").
				Description("WebSocket port for downstream command subscribers.").
				Validate(validatePort).
				Value(&port),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if !confirmed {
		return huh.ErrUserAborted
	}

	if provider == "none" {
		provider = ""
	}
	cfg.LLM.Provider = provider
	cfg.LLM.Model = strings.TrimSpace(model)
	if ws := strings.TrimSpace(workspace); ws != "" {
		cfg.Workspace = ws
	}
	if sd := strings.TrimSpace(stateDir); sd != "" {
		cfg.StateDir = sd
	}
	cfg.Bridge.ControllerURL = strings.TrimSpace(controllerURL)
	if n, err := strconv.Atoi(strings.TrimSpace(port)); err == nil {
		cfg.Broadcast.Port = n
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("port must be a number")
	}
	if n < 1 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}
