package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/recovery"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	typeStyle      = lipgloss.NewStyle().Width(18)
	phaseStyle     = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("75"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(24)

	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	progressStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func styleFor(t events.Type) lipgloss.Style {
	switch t {
	case events.PhaseStarted, events.PipelineStarted:
		return runningStyle
	case events.PhaseCompleted, events.PipelineCompleted:
		return completedStyle
	case events.PhaseFailed:
		return failedStyle
	case events.PhaseSkipped:
		return skippedStyle
	default:
		return progressStyle
	}
}

// renderEvent formats one event as a single terminal line.
func renderEvent(e events.Event) string {
	var b strings.Builder
	b.WriteString(timestampStyle.Render(e.Timestamp.Local().Format("15:04:05.000")))
	b.WriteString("  ")
	b.WriteString(typeStyle.Inherit(styleFor(e.Type)).Render(string(e.Type)))
	b.WriteString(phaseStyle.Render(e.PhaseID))
	b.WriteString(eventDetail(e))
	return strings.TrimRight(b.String(), " ")
}

func eventDetail(e events.Event) string {
	switch e.Type {
	case events.PipelineStarted:
		return "case " + e.CaseID
	case events.PhaseStarted:
		detail := fmt.Sprintf("attempt %d/%d", e.Attempt, e.MaxAttempts)
		if e.Trigger != "" && e.Trigger != phase.TriggerInitial {
			detail += " (" + string(e.Trigger) + ")"
		}
		return detail
	case events.PhaseProgress:
		detail := fmt.Sprintf("%3d%%", e.Progress)
		if e.SubStep != "" {
			detail += " " + e.SubStep
		}
		if e.Message != "" {
			detail += " " + e.Message
		}
		return detail
	case events.PhaseCompleted:
		return fmt.Sprintf("%d outputs after %d attempts", len(e.Outputs), e.Attempt)
	case events.PhaseFailed:
		parts := []string{e.Classification}
		switch {
		case e.Exhausted:
			parts = append(parts, "retry budget exhausted")
		case e.NeedsOperator:
			parts = append(parts, e.Action, "awaiting operator")
		case e.Retrying:
			parts = append(parts, e.Action, "retry in "+e.Delay.String())
		}
		if len(e.Actionable) > 0 {
			parts = append(parts, "actions: "+strings.Join(e.Actionable, ","))
		}
		if e.Error != "" {
			parts = append(parts, "error: "+e.Error)
		}
		return strings.Join(parts, "  ")
	case events.PhaseSkipped:
		return "skipped"
	case events.PipelineCompleted:
		return "all phases finished"
	}
	return ""
}

func renderCatalog(c phase.Catalog) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Phase catalog"))
	b.WriteString("\n")
	for i, def := range c.Definitions() {
		marker := " "
		if c.IsBoundary(i) {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %d. %s %s\n", marker, i+1, phaseStyle.Render(def.ID), def.Name)
		if def.EstimatedDuration > 0 {
			fmt.Fprintf(&b, "      %s %s\n", labelStyle.Render("estimated"), def.EstimatedDuration)
		}
		if len(def.SubSteps) > 0 {
			fmt.Fprintf(&b, "      %s %s\n", labelStyle.Render("sub-steps"), strings.Join(def.SubSteps, ", "))
		}
		if len(def.ExpectedOutputKinds) > 0 {
			fmt.Fprintf(&b, "      %s %s\n", labelStyle.Render("outputs"), strings.Join(def.ExpectedOutputKinds, ", "))
		}
	}
	b.WriteString(timestampStyle.Render("* cannot be skipped"))
	b.WriteString("\n")
	return b.String()
}

func renderPolicy(p recovery.Policy) string {
	table := p.Table
	if table == nil {
		table = recovery.DefaultTable()
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Recovery policy"))
	b.WriteString("\n")
	for _, class := range recovery.Classifications() {
		actions := table[class]
		names := make([]string, len(actions))
		for i, a := range actions {
			style := progressStyle
			if a.Halts() {
				style = failedStyle
			}
			names[i] = style.Render(string(a))
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(string(class)), strings.Join(names, " -> "))
	}
	fmt.Fprintf(&b, "%s base %s, max %s, rate-limit step %s, queue delay %s\n",
		labelStyle.Render("timing"), p.BackoffBase, p.BackoffMax, p.RateLimitWait, p.QueueDelay)
	return b.String()
}

func renderSummary(run *phase.PipelineRun) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Case " + run.CaseID + " " + string(run.Status)))
	b.WriteString("\n")
	for _, pr := range run.Phases {
		style := progressStyle
		switch pr.Status {
		case phase.StatusCompleted:
			style = completedStyle
		case phase.StatusFailed:
			style = failedStyle
		case phase.StatusSkipped:
			style = skippedStyle
		case phase.StatusRunning:
			style = runningStyle
		}
		fmt.Fprintf(&b, "  %s %s attempts=%d\n", phaseStyle.Render(pr.PhaseID), style.Render(string(pr.Status)), pr.Attempts)
	}
	return b.String()
}
