package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"habitline/internal/app"
	"habitline/internal/calendar"
	"habitline/internal/config"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/ledger"
	"habitline/internal/repo"
	"habitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Habitline CLI",
	Long: `Habitline tracks recurring tasks and habits, records completions and
derives streaks and completion rates from the history.
- Workspace: a directory holding habitline.yml and the .habitline database.
- Task: a definition with a recurrence rule (daily, weekly, monthly_by_day,
  count_per_period, interval or custom), optional active window and hold.
- Dependencies: completing a task also completes the tasks that depend on it
  on the same date.
- Stats: completion rate, current and longest streak, perfect days and
  rollups per task, category, weekday and hour.
- Event log: diary of changes, view with 'hl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HABITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("today", "", "treat this date (YYYY-MM-DD) as today")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("today", rootCmd.PersistentFlags().Lookup("today"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agendaCmd())
	rootCmd.AddCommand(doneCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create habitline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			created, err := app.Init(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": config.Path(workspace), "created": created})
			}
			if created {
				fmt.Printf("wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("%s already exists\n", config.Path(workspace))
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in habitline.yml: week start, analytics window and trend thresholds, cascade behaviour and logging. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate habitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(os.Stdout, viper.GetString("workspace"), viper.GetBool("json"))
		},
	}
}

// validateConfig reports on habitline.yml and returns the load error so the
// exit status reflects it in both output modes.
func validateConfig(w io.Writer, workspace string, asJSON bool) error {
	_, err := config.Load(workspace)
	if asJSON {
		data, merr := json.Marshal(map[string]any{"ok": err == nil, "error": errString(err)})
		if merr != nil {
			return merr
		}
		fmt.Fprintln(w, string(data))
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "config OK")
	return nil
}

func agendaCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Show every task with its due state for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDateFlag("date", date)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agenda, err := e.Agenda(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agenda)
				}
				printAgenda(agenda)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "agenda date (default today)")
	return cmd
}

func doneCmd() *cobra.Command {
	var date, startedAt string
	var minutes int
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Record a completion and cascade to dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDateFlag("date", date)
			if err != nil {
				return err
			}
			var opts engine.CompleteOptions
			if cmd.Flags().Changed("minutes") {
				opts.DurationMinutes = &minutes
			}
			if startedAt != "" {
				ts, err := time.Parse(time.RFC3339, startedAt)
				if err != nil {
					return fmt.Errorf("--started-at: %w", err)
				}
				opts.StartedAt = &ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, args[0], d, opts)
				var cycle *ledger.CycleError
				if err != nil && !errors.As(err, &cycle) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printCascade(res)
				if cycle != nil {
					fmt.Fprintf(os.Stderr, "warning: %v\n", cycle)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "completion date (default today)")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "time spent in minutes")
	cmd.Flags().StringVar(&startedAt, "started-at", "", "start time (RFC3339)")
	return cmd
}

func undoCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "undo <task-id>",
		Short: "Remove a completion; dependents keep theirs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDateFlag("date", date)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.Uncomplete(ctx, args[0], d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_id": args[0], "removed": removed})
				}
				if removed {
					fmt.Println("completion removed")
				} else {
					fmt.Println("no completion recorded")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "completion date (default today)")
	return cmd
}

func historyCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "List completions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseDateFlag("start", start)
			if err != nil {
				return err
			}
			en, err := parseDateFlag("end", end)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0], s, en)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printHistory(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first date (default start of the analytics window)")
	cmd.Flags().StringVar(&end, "end", "", "last date (default today)")
	return cmd
}

func statsCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Completion rates, streaks and rollups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Analytics(ctx, calendar.Date{}, window)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printSnapshot(snap)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "window in days (default from config)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, holds, completions, cascades and broken cycles.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Logger: ws.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				ws.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving habitline API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving habitline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				filters := eventFilters(n, evtType, entityID)
				events, err := e.ListEvents(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(events); err != nil {
						return err
					}
				} else {
					printEvents(events)
				}
				if !follow {
					return nil
				}
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				return followEvents(ctx, e, cursor, filters)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until interrupted")
	return cmd
}

const followInterval = time.Second

// followEvents polls for events after cursor and prints one line per event.
func followEvents(ctx context.Context, e engine.Engine, cursor int64, f repo.EventFilters) error {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := e.Repo.EventsAfter(ctx, 100, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, evt := range batch {
			cursor = evt.ID
			if !matchesEvent(evt, f) {
				continue
			}
			if viper.GetBool("json") {
				data, _ := json.Marshal(evt)
				fmt.Println(string(data))
				continue
			}
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Payload)
		}
	}
}

func matchesEvent(evt domain.Event, f repo.EventFilters) bool {
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.EntityKind != "" && evt.EntityKind != f.EntityKind {
		return false
	}
	return f.EntityID == "" || evt.EntityID == f.EntityID
}

// --- helpers ---

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	today, err := parseDateFlag("today", viper.GetString("today"))
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Verbose:   viper.GetBool("verbose"),
		Today:     today,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func parseDateFlag(name, value string) (calendar.Date, error) {
	if value == "" {
		return calendar.Date{}, nil
	}
	d, err := calendar.Parse(value)
	if err != nil {
		return calendar.Date{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
