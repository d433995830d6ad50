package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are recurring habits or one-off items. A rule decides which dates a task is due on; an active window and a hold narrow it further. Dependencies make a completion cascade to dependents.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskHoldCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskImportCmd())
	return task
}

// ruleFlags collects the recurrence flags shared by create and update.
type ruleFlags struct {
	kind       string
	days       []int
	dayOfMonth int
	count      int
	period     string
	every      int
	unit       string
	anchor     string
	pattern    string
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "rule", "daily", "daily, weekly, monthly_by_day, count_per_period, interval or custom")
	cmd.Flags().IntSliceVar(&f.days, "days", nil, "weekday indexes for weekly rules (0 is the configured week start)")
	cmd.Flags().IntVar(&f.dayOfMonth, "day-of-month", 0, "day for monthly_by_day rules")
	cmd.Flags().IntVar(&f.count, "count", 0, "completions per period for count_per_period rules")
	cmd.Flags().StringVar(&f.period, "period", "week", "week or month for count_per_period rules")
	cmd.Flags().IntVar(&f.every, "every", 0, "step for interval rules")
	cmd.Flags().StringVar(&f.unit, "unit", "days", "days, weeks, months or years for interval rules")
	cmd.Flags().StringVar(&f.anchor, "anchor", "", "anchor date for interval rules (default today)")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "free text for custom rules, e.g. \"15th of every month\"")
}

func (f *ruleFlags) rule(today calendar.Date) (domain.Rule, error) {
	switch domain.RuleKind(f.kind) {
	case domain.RuleDaily:
		return domain.Daily(), nil
	case domain.RuleWeekly:
		return domain.Weekly(f.days...), nil
	case domain.RuleMonthlyByDay:
		return domain.MonthlyByDay(f.dayOfMonth), nil
	case domain.RuleCountPerPeriod:
		p, err := calendar.ParsePeriod(f.period)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("--period: %w", err)
		}
		return domain.CountPerPeriod(f.count, p), nil
	case domain.RuleInterval:
		anchor := today
		if f.anchor != "" {
			d, err := parseDateFlag("anchor", f.anchor)
			if err != nil {
				return domain.Rule{}, err
			}
			anchor = d
		}
		return domain.Interval(f.every, domain.IntervalUnit(f.unit), anchor), nil
	case domain.RuleCustom:
		return domain.Custom(f.pattern), nil
	}
	return domain.Rule{}, fmt.Errorf("--rule: unknown kind %q", f.kind)
}

func optionalDateFlag(name, value string) (*calendar.Date, error) {
	d, err := calendar.ParseOptional(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func activeWindow(start, end string) (*domain.Window, error) {
	s, err := optionalDateFlag("active-start", start)
	if err != nil {
		return nil, err
	}
	e, err := optionalDateFlag("active-end", end)
	if err != nil {
		return nil, err
	}
	if s == nil && e == nil {
		return nil, nil
	}
	return &domain.Window{Start: s, End: e}, nil
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var rf ruleFlags
	var specificDate, activeStart, activeEnd string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.SpecificDate, err = optionalDateFlag("on", specificDate); err != nil {
				return err
			}
			if opts.Active, err = activeWindow(activeStart, activeEnd); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.Rule, err = rf.rule(e.Today()); err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().IntVar(&opts.Weightage, "weightage", 0, "importance 1..10 (default 5)")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "task this one depends on (repeatable)")
	cmd.Flags().StringVar(&specificDate, "on", "", "one-off date; overrides the rule")
	cmd.Flags().StringVar(&activeStart, "active-start", "", "first date the task can be due")
	cmd.Flags().StringVar(&activeEnd, "active-end", "", "last date the task can be due")
	rf.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var name, description, category, specificDate, activeStart, activeEnd string
	var tags, dependsOn []string
	var weightage int
	var clearOn, clearActive bool
	var rf ruleFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts := engine.TaskUpdateOptions{ID: args[0], ClearSpecificDate: clearOn, ClearActive: clearActive}
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("category") {
				opts.Category = &category
			}
			if flags.Changed("tag") {
				opts.Tags = &tags
			}
			if flags.Changed("weightage") {
				opts.Weightage = &weightage
			}
			if flags.Changed("depends-on") {
				opts.DependsOn = &dependsOn
			}
			if flags.Changed("on") {
				d, err := optionalDateFlag("on", specificDate)
				if err != nil {
					return err
				}
				opts.SpecificDate = d
			}
			if flags.Changed("active-start") || flags.Changed("active-end") {
				w, err := activeWindow(activeStart, activeEnd)
				if err != nil {
					return err
				}
				opts.Active = w
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if flags.Changed("rule") {
					r, err := rf.rule(e.Today())
					if err != nil {
						return err
					}
					opts.Rule = &r
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category (empty clears)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().IntVar(&weightage, "weightage", 0, "importance 1..10")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", nil, "replace dependencies (repeatable)")
	cmd.Flags().StringVar(&specificDate, "on", "", "one-off date")
	cmd.Flags().BoolVar(&clearOn, "clear-on", false, "remove the one-off date")
	cmd.Flags().StringVar(&activeStart, "active-start", "", "first date the task can be due")
	cmd.Flags().StringVar(&activeEnd, "active-end", "", "last date the task can be due")
	cmd.Flags().BoolVar(&clearActive, "clear-active", false, "remove the active window")
	rf.register(cmd)
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task with its completions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": args[0], "deleted": true})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func taskHoldCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Suspend a task from a date, optionally until an end date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseDateFlag("start", start)
			if err != nil {
				return err
			}
			en, err := optionalDateFlag("end", end)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.HoldTask(ctx, args[0], s, en)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first suspended date (default today)")
	cmd.Flags().StringVar(&end, "end", "", "last suspended date (default open-ended)")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Clear a hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReleaseTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

// importFile is the YAML layout accepted by task import.
type importFile struct {
	Tasks []domain.Task `yaml:"tasks"`
}

func taskImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Import task definitions from YAML in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var f importFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("invalid import yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ImportTasks(ctx, f.Tasks)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	printTasks([]domain.Task{t})
	return nil
}

func eventFilters(n int, evtType, entityID string) repo.EventFilters {
	return repo.EventFilters{Type: evtType, EntityID: entityID, Limit: n}
}
