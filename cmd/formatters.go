package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"watchpost/core"
	"watchpost/ingest"
	"watchpost/storage"

	"github.com/fatih/color"
)

// printSection prints a section header.
func printSection(w io.Writer, title string) {
	fmt.Fprintln(w)
	headerColor.Fprintf(w, "%s\n", title)
	fmt.Fprintln(w, strings.Repeat("-", len(title)))
}

// printField prints a labeled field.
func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-25s %s\n", label+":", value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// formatSeverity colors a severity by rank.
func formatSeverity(s core.Severity) string {
	label := strings.ToUpper(string(s))
	switch s {
	case core.SeverityCritical:
		return errorColor.Sprint(label)
	case core.SeverityHigh:
		return color.New(color.FgRed).Sprint(label)
	case core.SeverityMedium:
		return warningColor.Sprint(label)
	default:
		return infoColor.Sprint(label)
	}
}

func formatStatus(s core.AnomalyStatus) string {
	switch s {
	case core.AnomalyStatusNew:
		return warningColor.Sprint(s)
	case core.AnomalyStatusResolved:
		return successColor.Sprint(s)
	default:
		return string(s)
	}
}

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// padColored pads a possibly colored cell to width visible characters.
func padColored(cell, plain string, width int) string {
	if n := width - len([]rune(plain)); n > 0 {
		return cell + strings.Repeat(" ", n)
	}
	return cell
}

func renderStats(w io.Writer, stats storage.Stats) {
	printSection(w, "Anomaly Statistics")
	printField(w, "Total", fmt.Sprintf("%d", stats.Total))

	if len(stats.BySeverity) > 0 {
		printSection(w, "By Severity")
		for i := len(core.Severities) - 1; i >= 0; i-- {
			sev := core.Severities[i]
			if n, ok := stats.BySeverity[sev]; ok {
				fmt.Fprintf(w, "  %s %d\n", padColored(formatSeverity(sev), string(sev), 25), n)
			}
		}
	}

	if len(stats.ByRule) > 0 {
		printSection(w, "By Rule")
		rules := make([]string, 0, len(stats.ByRule))
		for rule := range stats.ByRule {
			rules = append(rules, rule)
		}
		sort.Strings(rules)
		for _, rule := range rules {
			printField(w, rule, fmt.Sprintf("%d", stats.ByRule[rule]))
		}
	}
	fmt.Fprintln(w)
}

func renderAnomaliesTable(w io.Writer, anomalies []core.StoredAnomaly) {
	if len(anomalies) == 0 {
		warningColor.Fprintln(w, "No anomalies found")
		return
	}

	header := fmt.Sprintf("%-20s %-38s %-18s %-9s %-5s %-13s %s",
		"TIME", "EVENT ID", "RULE", "SEVERITY", "CONF", "STATUS", "DESCRIPTION")
	headerColor.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("=", 130))

	for _, a := range anomalies {
		fmt.Fprintf(w, "%-20s %-38s %-18s %s %-5.2f %s %s\n",
			formatTime(a.Timestamp),
			truncate(a.EventID, 38),
			truncate(a.RuleName, 18),
			padColored(formatSeverity(a.Severity), string(a.Severity), 9),
			a.Confidence,
			padColored(formatStatus(a.Status), string(a.Status), 13),
			truncate(a.Description, 60),
		)
	}
	fmt.Fprintf(w, "\n%d anomalies\n", len(anomalies))
}

func renderEventsTable(w io.Writer, events []core.Event) {
	if len(events) == 0 {
		warningColor.Fprintln(w, "No events found")
		return
	}

	header := fmt.Sprintf("%-20s %-38s %-24s %-16s %-16s %s",
		"TIME", "EVENT ID", "EVENT TYPE", "SRC IP", "DST IP", "DST PORT")
	headerColor.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("=", 125))

	for _, e := range events {
		src, _ := e.Fields.String(core.FieldSrcIP)
		dst, _ := e.Fields.String(core.FieldDstIP)
		port := "-"
		if p, err := e.Fields.Int(core.FieldDstPort); err == nil {
			port = fmt.Sprintf("%d", p)
		}
		fmt.Fprintf(w, "%-20s %-38s %-24s %-16s %-16s %s\n",
			formatTime(e.Timestamp),
			truncate(e.EventID, 38),
			truncate(e.EventType, 24),
			valueOrDash(src),
			valueOrDash(dst),
			port,
		)
	}
	fmt.Fprintf(w, "\n%d events\n", len(events))
}

func renderAnomaly(w io.Writer, a core.StoredAnomaly) {
	printSection(w, "Anomaly "+a.EventID)
	printField(w, "Rule", a.RuleName)
	printField(w, "Severity", formatSeverity(a.Severity))
	printField(w, "Confidence", fmt.Sprintf("%.2f", a.Confidence))
	printField(w, "Status", formatStatus(a.Status))
	printField(w, "Event Type", a.EventType)
	printField(w, "Event Time", formatTime(a.Timestamp))
	printField(w, "Detected", formatTimeSince(a.DetectedAt))
	printField(w, "Description", a.Description)
	fmt.Fprintln(w)
}

func renderReplaySummary(w io.Writer, path string, stats ingest.ReplayStats, elapsed time.Duration) {
	printSection(w, "Replay Summary")
	printField(w, "File", path)
	printField(w, "Events", fmt.Sprintf("%d", stats.Total))
	printField(w, "Ingested", successColor.Sprintf("%d", stats.Ingested))
	if stats.Rejected > 0 {
		printField(w, "Rejected", warningColor.Sprintf("%d", stats.Rejected))
	} else {
		printField(w, "Rejected", "0")
	}
	if stats.Failed > 0 {
		printField(w, "Failed", errorColor.Sprintf("%d", stats.Failed))
	} else {
		printField(w, "Failed", "0")
	}
	printField(w, "Anomalies", fmt.Sprintf("%d", len(stats.Anomalies)))
	printField(w, "Duration", elapsed.Round(time.Millisecond).String())

	if len(stats.Anomalies) > 0 {
		fmt.Fprintln(w)
		renderAnomaliesTable(w, stats.Anomalies)
	}
	fmt.Fprintln(w)
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
