package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/api"
	"github.com/zhishimianbao/tripmind/internal/buildinfo"
	"github.com/zhishimianbao/tripmind/internal/mqtt"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageLine(w io.Writer, t usage.Totals) {
	color.New(color.Faint).Fprintf(w, "tokens: %d prompt + %d completion = %d (%d calls)\n",
		t.Prompt, t.Completion, t.Total, t.Calls)
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, g *globalFlags, stdout io.Writer) error {
	cfg, logger, err := setup(g, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting TripMind", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.memory.Sweep(ctx, cfg.Memory.SweepInterval())

	// --- MQTT ---
	// Optional. Forwards usage and request events and a retained daily
	// token total to the broker.
	if cfg.MQTT.Configured() {
		pub := mqtt.New(cfg.MQTT, a.bus, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName)
	}

	srv := api.NewServer(api.Options{
		Address:      cfg.Server.Address,
		Port:         cfg.Server.Port,
		Agent:        a.orch,
		Usage:        a.usage,
		Bus:          a.bus,
		Logger:       logger,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit:    cfg.Server.RateLimit,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	})
	return srv.Start(ctx)
}

func planCmd(g *globalFlags) *cobra.Command {
	var (
		req       agent.PlanRequest
		withTools bool
		withHTML  bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate a travel plan",
		Example: `  tripmind plan -d Kyoto --dates 2025-10-01..2025-10-05 --interests history,food --budget 500-1000
  tripmind plan -d Kyoto --dates "Oct 1-5" --html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if withHTML {
				res, err := a.orch.GeneratePlanWithHTML(ctx, req)
				if err != nil {
					return err
				}
				return printPipeline(w, g.output, res)
			}

			generate := a.orch.GeneratePlan
			if withTools {
				generate = a.orch.GeneratePlanWithTools
			}
			res, err := generate(ctx, req)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return writeJSON(w, res)
			}
			heading(w, "Travel plan: %s (%s)", req.Destination, req.TravelDates)
			fmt.Fprintln(w, res.Text)
			fmt.Fprintln(w)
			usageLine(w, res.Usage)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.Destination, "destination", "d", "", "destination city or region (required)")
	f.StringVar(&req.TravelDates, "dates", "", "travel dates (required)")
	f.StringVar(&req.Interests, "interests", "", "interests, e.g. history,food")
	f.StringVar(&req.Budget, "budget", "", "budget range")
	f.StringVarP(&req.SessionID, "session", "s", "", "session id (default \"default\")")
	f.BoolVar(&withTools, "tools", false, "let the model call map tools")
	f.BoolVar(&withHTML, "html", false, "also render and save an HTML page")
	cmd.MarkFlagsMutuallyExclusive("tools", "html")
	return cmd
}

// pipelineOutput is the JSON form of a pipeline result.
type pipelineOutput struct {
	*agent.PipelineResult
	Errors map[string]string `json:"errors,omitempty"`
}

func printPipeline(w io.Writer, output string, res *agent.PipelineResult) error {
	errs := map[string]string{}
	for _, st := range res.Stages {
		if st.Err != nil {
			errs[st.Name] = st.Err.Error()
		}
	}
	if output == "json" {
		return writeJSON(w, pipelineOutput{PipelineResult: res, Errors: errs})
	}

	heading(w, "Travel plan")
	fmt.Fprintln(w, res.Plan)
	fmt.Fprintln(w)
	if res.File != "" {
		heading(w, "HTML page")
		fmt.Fprintf(w, "  title: %s\n  file:  %s\n", res.Title, res.File)
		if res.URL != "" {
			fmt.Fprintf(w, "  url:   %s\n", res.URL)
		}
	}
	for _, st := range res.Stages {
		if st.Err != nil {
			color.New(color.FgYellow).Fprintf(w, "stage %s failed: %v\n", st.Name, st.Err)
		}
	}
	usageLine(w, res.Usage)
	return nil
}

func chatCmd(g *globalFlags) *cobra.Command {
	var (
		session string
		stream  bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message to the travel companion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			message := strings.Join(args, " ")

			if !stream {
				res, err := a.orch.Chat(ctx, session, message)
				if err != nil {
					return err
				}
				if g.output == "json" {
					return writeJSON(w, res)
				}
				fmt.Fprintln(w, res.Text)
				usageLine(w, res.Usage)
				return nil
			}

			cs, err := a.orch.ChatStream(ctx, session, message)
			if err != nil {
				return err
			}
			defer cs.Close()
			for chunk := range cs.Chunks() {
				fmt.Fprint(w, chunk)
			}
			fmt.Fprintln(w)
			res, err := cs.Wait()
			if err != nil {
				return err
			}
			usageLine(w, res.Usage)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (default \"default\")")
	cmd.Flags().BoolVar(&stream, "stream", false, "print the reply as it is generated")
	return cmd
}

func taskCmd(g *globalFlags) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "task <description>",
		Short: "Let the agent work through a task with the tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			req := agent.TaskRequest{SessionID: session, Task: strings.Join(args, " ")}
			if g.output == "json" {
				res, err := a.orch.RunTask(ctx, req, nil)
				if err != nil {
					return err
				}
				return writeJSON(w, res)
			}

			faint := color.New(color.Faint)
			res, err := a.orch.RunTask(ctx, req, func(s agent.TaskStep) error {
				heading(w, "Step %d", s.Step)
				if s.Text != "" {
					fmt.Fprintln(w, s.Text)
				}
				for _, t := range s.Tools {
					faint.Fprintf(w, "  %s → %s\n", t.Name, firstLine(t.Result))
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, res.Answer)
			usageLine(w, res.Usage)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id usage is charged to (default \"default\")")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func usageCmd(g *globalFlags) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, _, err := setup(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			end := time.Now().UTC()
			if to != "" {
				if end, err = parseWhen(to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			start := end.AddDate(0, 0, -30)
			if from != "" {
				if start, err = parseWhen(from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}

			store, err := openUsageStore(ctx, cfg.Usage)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.Summary(ctx, start, end)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.output == "json" {
				return writeJSON(w, report)
			}
			printReport(w, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start, YYYY-MM-DD or RFC 3339 (default: 30 days before --to)")
	cmd.Flags().StringVar(&to, "to", "", "end, exclusive (default: now)")
	return cmd
}

func parseWhen(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", v)
	}
	return t, nil
}

func printReport(w io.Writer, r *usage.Report) {
	heading(w, "Usage %s .. %s", r.From.Format(time.DateOnly), r.To.Format(time.DateOnly))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCALLS\tPROMPT\tCOMPLETION\tTOTAL")
	models := make([]string, 0, len(r.ByModel))
	for m := range r.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		s := r.ByModel[m]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", m, s.Records, s.PromptTokens, s.CompletionTokens, s.TotalTokens)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\n", r.Total.Records, r.Total.PromptTokens, r.Total.CompletionTokens, r.Total.TotalTokens)
	tw.Flush()
}
