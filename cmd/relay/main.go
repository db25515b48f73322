// Command relay is the terminal host for the agent runtime: it wires the
// dispatcher, registers the built-in agents, loads plugin agents and project
// config, and exposes the runtime's commands as a CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"relay/internal/agent"
	"relay/internal/agents"
	"relay/internal/config"
	"relay/internal/dispatch"
	"relay/internal/guard"
	"relay/internal/kvstore"
	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/plugins"
)

const (
	envAPIBase = "RELAY_API_BASE"
	envAPIKey  = "RELAY_API_KEY"

	defaultAPIBase = "http://localhost:11434/v1"
	clientTimeout  = 120 * time.Second
)

var gray = color.New(color.FgHiBlack).SprintFunc()

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// terminalStream renders markdown to stdout and progress to stderr so piped
// output stays clean.
type terminalStream struct{}

func (terminalStream) Markdown(text string) {
	fmt.Print(text)
}

func (terminalStream) Progress(message string) {
	fmt.Fprintln(os.Stderr, gray("· "+message))
}

// runtime bundles everything the commands need.
type runtime struct {
	dispatcher *dispatch.Dispatcher
	loader     *plugins.Loader
	logger     logging.Logger
}

func buildRuntime(projectDir string) (*runtime, error) {
	logger := logging.NewComponentLogger("cli")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	stateDir := filepath.Join(home, ".relay")

	store, err := kvstore.NewFileStore(filepath.Join(stateDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	settings, err := config.NewSettings(filepath.Join(stateDir, "settings.json"), logger)
	if err != nil {
		return nil, err
	}

	base := os.Getenv(envAPIBase)
	if base == "" {
		base = defaultAPIBase
	}
	client := llm.NewHTTPClient(base, os.Getenv(envAPIKey), clientTimeout)

	var confirmer guard.Confirmer = guard.AutoConfirmer{Approve: true}
	if isTTY() {
		confirmer = &guard.InteractiveConfirmer{}
	}

	d, err := dispatch.New(dispatch.Options{
		Root:      projectDir,
		KV:        store,
		Client:    client,
		Settings:  settings,
		Confirmer: confirmer,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	for _, a := range agents.NewDefaults(client, d.Selector()) {
		if err := d.Registry().Register(a); err != nil {
			return nil, err
		}
	}

	rc, err := config.LoadAgentRC(projectDir)
	if err != nil {
		logger.Warn("project config: %v", err)
	} else {
		d.ApplyAgentRC(rc)
	}
	if err := d.WatchProjectConfig(projectDir); err != nil {
		logger.Debug("project config watch unavailable: %v", err)
	}

	loader := plugins.NewLoader(filepath.Join(stateDir, "plugins"), d.Registry(), client, d.Selector(), plugins.HostVars{
		WorkspaceRoot: projectDir,
		Language:      "en",
		Now:           time.Now,
	}, logger)
	for _, loadErr := range loader.LoadAll() {
		logger.Warn("%v", loadErr)
	}
	if err := loader.Watch(); err != nil {
		logger.Debug("plugin watch unavailable: %v", err)
	}

	return &runtime{dispatcher: d, loader: loader, logger: logger}, nil
}

func (r *runtime) close() {
	r.loader.Close()
	r.dispatcher.Close()
}

func (r *runtime) dispatch(ctx context.Context, req agent.Request) error {
	_, err := r.dispatcher.Dispatch(ctx, req, terminalStream{})
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(dispatch.UserMessage(err)))
	}
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		projectDir string
		model      string
		agentID    string
		refs       []string
	)

	root := &cobra.Command{
		Use:           "relay [prompt...]",
		Short:         "Multi-agent request runtime",
		Long:          "relay routes prompts across registered agents with caching, memory, guardrails, and workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return withRuntime(projectDir, func(ctx context.Context, r *runtime) error {
				return r.dispatch(ctx, agent.Request{
					Prompt:     strings.Join(args, " "),
					Command:    agentID,
					Model:      model,
					References: refs,
				})
			})
		},
	}
	root.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")
	root.PersistentFlags().StringVarP(&model, "model", "m", "", "model override")
	root.Flags().StringVarP(&agentID, "agent", "a", "", "route directly to an agent id")
	root.Flags().StringSliceVarP(&refs, "ref", "r", nil, "reference file paths")

	root.AddCommand(
		newMetaCommand(&projectDir, "undo", dispatch.CmdUndo, "Revert the last autonomous run"),
		newMetaCommand(&projectDir, "health", dispatch.CmdHealth, "Show runtime status"),
		newMetaCommand(&projectDir, "clear-cache", dispatch.CmdClearCache, "Drop the response cache"),
		newMetaCommand(&projectDir, "clear-memory", dispatch.CmdClearMemory, "Drop all agent memory"),
		newAgentsCommand(&projectDir),
		newWorkflowCommand(&projectDir, &model),
		newCollabCommand(&projectDir, &model),
		newProfileCommand(&projectDir),
	)
	return root
}

// withRuntime builds the runtime, runs fn under a signal-aware context, and
// tears everything down.
func withRuntime(projectDir string, fn func(context.Context, *runtime) error) error {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return err
	}
	r, err := buildRuntime(abs)
	if err != nil {
		return err
	}
	defer r.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, r)
}

func newMetaCommand(projectDir *string, use, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*projectDir, func(ctx context.Context, r *runtime) error {
				return r.dispatch(ctx, agent.Request{Command: command})
			})
		},
	}
}

func newAgentsCommand(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*projectDir, func(_ context.Context, r *runtime) error {
				def, _ := r.dispatcher.Registry().Default()
				for _, a := range r.dispatcher.Registry().List() {
					marker := " "
					if def != nil && a.ID() == def.ID() {
						marker = "*"
					}
					auto := ""
					if a.Autonomous() {
						auto = gray(" [autonomous]")
					}
					fmt.Printf("%s %-12s %s%s\n", marker, a.ID(), a.Description(), auto)
				}
				return nil
			})
		},
	}
}

func newWorkflowCommand(projectDir, model *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow <name> [prompt...]",
		Short: "Run a named workflow from project config",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*projectDir, func(ctx context.Context, r *runtime) error {
				return r.dispatch(ctx, agent.Request{
					Prompt:  strings.Join(args[1:], " "),
					Command: "workflow-" + args[0],
					Model:   *model,
				})
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*projectDir, func(_ context.Context, r *runtime) error {
				for _, name := range r.dispatcher.Workflows().List() {
					fmt.Println(name)
				}
				return nil
			})
		},
	})
	return cmd
}

func newCollabCommand(projectDir, model *string) *cobra.Command {
	var agentList string
	cmd := &cobra.Command{
		Use:   "collab <vote|debate|consensus|review> <prompt...>",
		Short: "Run one prompt across several agents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*projectDir, func(ctx context.Context, r *runtime) error {
				var refs []string
				if agentList != "" {
					refs = []string{agentList}
				}
				return r.dispatch(ctx, agent.Request{
					Prompt:     strings.Join(args[1:], " "),
					Command:    "collab-" + args[0],
					References: refs,
					Model:      *model,
				})
			})
		},
	}
	cmd.Flags().StringVar(&agentList, "agents", "", "comma-separated agent ids (default: all)")
	return cmd
}

func newProfileCommand(projectDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or set the routing profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*projectDir, func(_ context.Context, r *runtime) error {
				profile := r.dispatcher.ActiveProfile()
				if len(profile) == 0 {
					fmt.Println("no active profile")
					return nil
				}
				fmt.Println(strings.Join(profile, ", "))
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <agent,agent,...>",
		Short: "Restrict routing to the given agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*projectDir, func(_ context.Context, r *runtime) error {
				var ids []string
				for _, id := range strings.Split(args[0], ",") {
					if id = strings.TrimSpace(id); id != "" {
						ids = append(ids, id)
					}
				}
				r.dispatcher.SetActiveProfile(ids)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the routing profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*projectDir, func(_ context.Context, r *runtime) error {
				r.dispatcher.SetActiveProfile(nil)
				return nil
			})
		},
	})
	return cmd
}
