package engine

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"workreport/internal/config"
	"workreport/internal/domain"
)

// ResolveWindow picks the report window: explicit since/until when given,
// otherwise the configured workdays of the week containing now.
func ResolveWindow(now time.Time, since, until string, wc config.WindowConfig) (domain.Window, error) {
	if since == "" && until == "" {
		since, until = wc.Since, wc.Until
	}
	if since != "" || until != "" {
		if since == "" || until == "" {
			return domain.Window{}, fmt.Errorf("since and until must be given together")
		}
		s, err := time.Parse(domain.DateLayout, since)
		if err != nil {
			return domain.Window{}, fmt.Errorf("since: %w", err)
		}
		u, err := time.Parse(domain.DateLayout, until)
		if err != nil {
			return domain.Window{}, fmt.Errorf("until: %w", err)
		}
		if u.Before(s) {
			return domain.Window{}, fmt.Errorf("until %s is before since %s", until, since)
		}
		return domain.Window{Since: s, Until: u}, nil
	}
	return CurrentWeek(now, wc.WeekStartsOn, wc.Workdays), nil
}

// CurrentWeek returns the first workdays days of the week containing now.
func CurrentWeek(now time.Time, weekStartsOn string, workdays int) domain.Window {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := time.Monday
	if weekStartsOn == "sunday" {
		first = time.Sunday
	}
	offset := (int(day.Weekday()) - int(first) + 7) % 7
	start := day.AddDate(0, 0, -offset)
	if workdays < 1 {
		workdays = 5
	}
	return domain.Window{Since: start, Until: start.AddDate(0, 0, workdays-1)}
}

// nameData is the data of the output title and file name templates.
type nameData struct {
	Owner  string
	window domain.Window
}

func (d nameData) Start(layout string) string { return d.window.Since.Format(layout) }
func (d nameData) End(layout string) string   { return d.window.Until.Format(layout) }

// RenderName executes a title or file name template.
func RenderName(tmpl, owner string, w domain.Window) (string, error) {
	t, err := template.New("name").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", tmpl, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, nameData{Owner: owner, window: w}); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl, err)
	}
	return buf.String(), nil
}
