// TripMind is a travel-planning agent service.
//
// It generates itineraries with an LLM, optionally calling map tools,
// renders them to standalone HTML pages, and holds multi-turn travel
// chats. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tripmind serve                          Start the API server
//	tripmind plan -d Kyoto --dates ...      Generate a plan once
//	tripmind chat "Where should I eat?"     Send one chat message
//	tripmind task "Find ramen near Gion"    Run a free-form tool task
//	tripmind usage --from 2025-10-01        Summarize token usage
//	tripmind version                        Print build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhishimianbao/tripmind/internal/buildinfo"
	"github.com/zhishimianbao/tripmind/internal/config"
)

// main only builds the OS-level environment and delegates to run, so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	output     string // text or json
}

// run executes the command line args with the given streams.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "tripmind",
		Short: "TripMind - LLM travel planning agent",
		Long: `TripMind generates travel plans with an LLM, optionally consulting
map tools, renders them as HTML pages and holds travel chats.

Config search order:
  ./config.yaml
  ~/.config/tripmind/config.yaml
  /etc/tripmind/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		serveCmd(g),
		planCmd(g),
		chatCmd(g),
		taskCmd(g),
		usageCmd(g),
		versionCmd(g),
	)
	return root
}

// loadConfig locates and parses the configuration file. When no file
// is found and none was named, the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads config and builds the process logger. Logs go to w.
func setup(g *globalFlags, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(w, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}
	return cfg, logger, nil
}

// heading prints a highlighted section title in text mode.
func heading(w io.Writer, format string, args ...any) {
	color.New(color.FgCyan, color.Bold).Fprintf(w, format+"\n", args...)
}

func versionCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			info := buildinfo.Info()
			if g.output == "json" {
				return writeJSON(w, info)
			}
			heading(w, "%s", buildinfo.String())
			for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}
