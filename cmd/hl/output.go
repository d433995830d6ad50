package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"habitline/internal/analytics"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/ledger"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func describeRule(t domain.Task) string {
	if t.SpecificDate != nil {
		return "on " + t.SpecificDate.String()
	}
	r := t.Rule
	switch r.Kind {
	case domain.RuleWeekly:
		return fmt.Sprintf("weekly %v", r.DaysOfWeek)
	case domain.RuleMonthlyByDay:
		return fmt.Sprintf("monthly day %d", r.DayOfMonth)
	case domain.RuleCountPerPeriod:
		return fmt.Sprintf("%dx per %s", r.Count, r.Period)
	case domain.RuleInterval:
		anchor := ""
		if r.Anchor != nil {
			anchor = " from " + r.Anchor.String()
		}
		return fmt.Sprintf("every %d %s%s", r.Every, r.Unit, anchor)
	case domain.RuleCustom:
		return fmt.Sprintf("custom %q", r.Pattern)
	}
	return string(r.Kind)
}

func printTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Category", "Rule", "Weight", "Depends on", "Hold"})
	for _, t := range tasks {
		hold := ""
		if t.Hold != nil {
			hold = t.Hold.Start.String() + ".."
			if t.Hold.End != nil {
				hold += t.Hold.End.String()
			}
		}
		tw.AppendRow(table.Row{t.ID, t.Name, t.CategoryOrDefault(), describeRule(t), t.Weightage, strings.Join(t.DependsOn, ","), hold})
	}
	tw.Render()
}

func printAgenda(a engine.Agenda) {
	fmt.Printf("Agenda for %s\n", a.Date)
	tw := newTable()
	tw.AppendHeader(table.Row{"", "ID", "Name", "State", "Rule"})
	for _, it := range a.Items {
		mark := "[ ]"
		if it.Completed {
			mark = "[x]"
		}
		state := string(it.State)
		if it.Warning != "" {
			state += " (!)"
		}
		tw.AppendRow(table.Row{mark, it.Task.ID, it.Task.Name, state, describeRule(it.Task)})
	}
	tw.Render()
}

func printCascade(c ledger.Cascade) {
	fmt.Printf("Completed %s on %s\n", c.TaskID, c.Date)
	if len(c.Completed) > 1 {
		fmt.Printf("  cascaded: %s\n", strings.Join(c.Completed[1:], ", "))
	}
	if len(c.AlreadyComplete) > 0 {
		fmt.Printf("  already complete: %s\n", strings.Join(c.AlreadyComplete, ", "))
	}
	if len(c.Skipped) > 0 {
		fmt.Printf("  skipped (not due): %s\n", strings.Join(c.Skipped, ", "))
	}
}

func printHistory(items []domain.Completion) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Date", "Completed at", "Minutes", "Source"})
	for _, c := range items {
		mins := ""
		if c.DurationMinutes != nil {
			mins = fmt.Sprint(*c.DurationMinutes)
		}
		tw.AppendRow(table.Row{c.Date, c.CompletedAt.Local().Format("2006-01-02 15:04"), mins, c.Source})
	}
	tw.Render()
}

func printSnapshot(s analytics.Snapshot) {
	fmt.Printf("Window %s .. %s (%d days)\n", s.WindowStart, s.Today, s.WindowDays)
	fmt.Printf("Completion rate: %.1f%% (%d of %d)\n", s.CompletionRate, s.Actual, s.Expected)
	fmt.Printf("Current streak: %d  Longest: %d  Perfect days: %d\n", s.CurrentStreak, s.LongestStreak, s.PerfectDays)

	tw := newTable()
	tw.AppendHeader(table.Row{"Task", "Category", "Done", "Due", "Rate", "Trend", "Minutes"})
	for _, r := range s.Tasks {
		tw.AppendRow(table.Row{r.Name, r.Category, r.Actual, r.Expected, fmt.Sprintf("%.0f%%", r.Rate), r.Trend, r.TotalDurationMinutes})
	}
	tw.Render()

	if len(s.Categories) > 0 {
		cw := newTable()
		cw.AppendHeader(table.Row{"Category", "Tasks", "Completions", "Avg rate"})
		for _, c := range s.Categories {
			cw.AppendRow(table.Row{c.Category, c.TaskCount, c.Completions, fmt.Sprintf("%.0f%%", c.AvgRate)})
		}
		cw.Render()
	}

	ww := newTable()
	ww.AppendHeader(table.Row{"Weekday", "Due", "Done", "Rate"})
	for _, w := range s.Weekdays {
		ww.AppendRow(table.Row{w.Weekday, w.Due, w.Completions, fmt.Sprintf("%.0f%%", w.Rate)})
	}
	ww.Render()

	for _, w := range s.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s %s: %s\n", w.Kind, w.TaskID, w.Message)
	}
}

func printEvents(events []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.Payload})
	}
	tw.Render()
}
