package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/yaml"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

func statusStyle(status entities.OutcomeStatus) lipgloss.Style {
	switch status {
	case entities.OutcomeMirrored:
		return okStyle
	case entities.OutcomeFailed:
		return failStyle
	default:
		return mutedStyle
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderReport(report *entities.RunReport) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run " + report.RunID))
	b.WriteString("\n")

	if len(report.Outcomes) == 0 && report.Error == "" {
		b.WriteString(mutedStyle.Render("Nothing to mirror"))
		b.WriteString("\n")
	}

	for _, o := range report.Outcomes {
		line := fmt.Sprintf("%-12s %s", o.Version, statusStyle(o.Status).Render(string(o.Status)))
		if o.Reason != "" {
			line += " " + mutedStyle.Render(o.Reason)
		}
		b.WriteString(line + "\n")

		for _, p := range o.Platforms {
			b.WriteString("  " + renderPlatform(p) + "\n")
		}
	}

	if report.Error != "" {
		b.WriteString(failStyle.Render("Run aborted: " + report.Error))
		b.WriteString("\n")
	}

	summary := fmt.Sprintf("%d mirrored, %d failed, %d skipped in %s",
		report.Count(entities.OutcomeMirrored),
		report.Count(entities.OutcomeFailed),
		report.Count(entities.OutcomeSkipped),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Second),
	)
	b.WriteString(mutedStyle.Render(summary))
	b.WriteString("\n")

	return b.String()
}

func renderPlatform(p entities.PlatformOutcome) string {
	var mark string
	switch {
	case p.Error != "":
		mark = failStyle.Render("x")
	case p.Published:
		mark = okStyle.Render("✓")
	default:
		mark = mutedStyle.Render("-")
	}

	line := fmt.Sprintf("%s %-14s %s", mark, p.Platform, p.Filename)
	switch {
	case p.Error != "":
		line += " " + failStyle.Render(p.Error)
	case p.AlreadyExisted:
		line += " " + mutedStyle.Render("(already on index)")
	}
	return line
}

func renderPending(releases []*entities.UpstreamRelease, baseline string) string {
	var b strings.Builder

	title := "Pending releases"
	if baseline != "" {
		title += " above " + baseline
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if len(releases) == 0 {
		b.WriteString(mutedStyle.Render("Mirror is up to date"))
		b.WriteString("\n")
		return b.String()
	}

	for _, rel := range releases {
		line := fmt.Sprintf("%-12s %d assets", rel.Version, len(rel.Assets))
		if rel.Prerelease {
			line += " " + mutedStyle.Render("(prerelease)")
		}
		if !rel.PublishedAt.IsZero() {
			line += " " + mutedStyle.Render(rel.PublishedAt.Format("2006-01-02"))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// pendingRelease is the JSON form of a planned release
type pendingRelease struct {
	Version     string    `json:"version"`
	Tag         string    `json:"tag"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Platforms   []string  `json:"platforms"`
}

func toPending(releases []*entities.UpstreamRelease) []pendingRelease {
	out := make([]pendingRelease, 0, len(releases))
	for _, rel := range releases {
		p := pendingRelease{
			Version:     rel.Version,
			Tag:         rel.Tag,
			Prerelease:  rel.Prerelease,
			PublishedAt: rel.PublishedAt,
		}
		for _, target := range entities.SupportedPlatforms() {
			if _, ok := rel.Asset(target); ok {
				p.Platforms = append(p.Platforms, target.String())
			}
		}
		out = append(out, p)
	}
	return out
}

func renderStatus(records []*entities.MirrorRecord, claims []*entities.Claim, now time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Mirrored releases"))
	b.WriteString("\n")
	if len(records) == 0 {
		b.WriteString(mutedStyle.Render("None yet"))
		b.WriteString("\n")
	}
	for _, rec := range records {
		line := fmt.Sprintf("%-12s %s %d wheels", rec.Version, okStyle.Render(string(rec.Status)), len(rec.Artifacts))
		if !rec.MirroredAt.IsZero() {
			line += " " + mutedStyle.Render(rec.MirroredAt.UTC().Format(time.RFC3339))
		}
		b.WriteString(line + "\n")
	}

	if len(claims) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("In progress"))
		b.WriteString("\n")
		for _, c := range claims {
			state := okStyle.Render("active")
			if c.Expired(now) {
				state = failStyle.Render("expired")
			}
			b.WriteString(fmt.Sprintf("%-12s %s run %s until %s\n",
				c.Version, state, c.RunID, c.ExpiresAt.UTC().Format(time.RFC3339)))
		}
	}

	return b.String()
}

func renderJournal(version string, entries []yaml.JournalEntry) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("History of " + version))
	b.WriteString("\n")
	if len(entries) == 0 {
		b.WriteString(mutedStyle.Render("No attempts recorded"))
		b.WriteString("\n")
	}
	for _, e := range entries {
		event := e.Event
		switch e.Event {
		case yaml.EventPublished:
			event = okStyle.Render(event)
		case yaml.EventFailed:
			event = failStyle.Render(event)
		}
		line := fmt.Sprintf("%s %-10s run %s", e.At.UTC().Format(time.RFC3339), event, e.RunID)
		if e.Reason != "" {
			line += " " + mutedStyle.Render(e.Reason)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
