// Package render builds notification payloads from templates.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"callwatch/internal/models"
	"callwatch/internal/templates"
)

// TimeLayout is how times appear in notifications and exports.
const TimeLayout = "2006-01-02 15:04:05"

// Template variables available to every render.
const (
	VarRuleName      = "rule_name"
	VarWindowStart   = "window_start"
	VarWindowEnd     = "window_end"
	VarCount         = "count"
	VarSeverity      = "severity"
	VarCallLinks     = "call_links"
	VarDashboardLink = "dashboard_link"
)

// VariableNames is the fixed variable set in display order.
var VariableNames = []string{
	VarRuleName,
	VarWindowStart,
	VarWindowEnd,
	VarCount,
	VarSeverity,
	VarCallLinks,
	VarDashboardLink,
}

// Variables maps a variable name to its rendered value.
type Variables map[string]string

// Render replaces every {key} for each key in vars with its value, in one
// pass, so substituted values are never rescanned. Placeholders without a
// variable are left as they are. No format-aware escaping is applied.
func Render(text string, vars Variables) string {
	if len(vars) == 0 || !strings.Contains(text, "{") {
		return text
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// FormatTime renders t in TimeLayout, UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// CallLinks renders contributing event ids one per line as "- <id>", with a
// trailing "+N more" line when ids were truncated.
func CallLinks(ids []string, omitted int) string {
	lines := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		lines = append(lines, "- "+id)
	}
	if omitted > 0 {
		lines = append(lines, fmt.Sprintf("+%d more", omitted))
	}
	return strings.Join(lines, "\n")
}

// AlertVariables builds the variable set for a fired alert.
func AlertVariables(a *models.Alert, dashboardURL string) Variables {
	return Variables{
		VarRuleName:      a.RuleName,
		VarWindowStart:   FormatTime(a.WindowStart),
		VarWindowEnd:     FormatTime(a.WindowEnd),
		VarCount:         strconv.Itoa(a.Count),
		VarSeverity:      string(a.Severity),
		VarCallLinks:     CallLinks(a.EventIDs, a.Omitted()),
		VarDashboardLink: DashboardLink(dashboardURL, a.ID),
	}
}

// DashboardLink points at the alert in the dashboard.
func DashboardLink(base, alertID string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return ""
	}
	return base + "/alerts/" + alertID
}

// Payload is one rendered notification ready for handoff.
type Payload struct {
	ChannelType models.ChannelType
	Target      string
	Subject     *string // email only
	Body        string
	Format      models.BodyFormat
	TemplateID  string
	Fallback    bool
}

// TemplateSource looks templates up by id.
type TemplateSource interface {
	Get(id string) (models.Template, bool)
}

// Renderer resolves a channel's template and renders it for an alert.
type Renderer struct {
	templates    TemplateSource
	dashboardURL string
}

// New creates a renderer over the template source.
func New(src TemplateSource, dashboardURL string) *Renderer {
	return &Renderer{templates: src, dashboardURL: dashboardURL}
}

// Template renders subject (email only) and body of t.
func Template(t models.Template, vars Variables) (subject *string, body string) {
	if t.ChannelType == models.ChannelEmail {
		s := Render(t.Subject, vars)
		subject = &s
	}
	return subject, Render(t.Body, vars)
}

// Channel renders the payload for one channel of rule. When the channel's
// template no longer exists the payload falls back to a variable dump and a
// DanglingTemplateReferenceError is returned alongside it; the payload is
// still usable.
func (r *Renderer) Channel(ruleID string, ch models.Channel, a *models.Alert) (Payload, error) {
	vars := AlertVariables(a, r.dashboardURL)
	p := Payload{ChannelType: ch.Type(), Target: ch.Target(), TemplateID: ch.TemplateID()}

	var (
		tpl models.Template
		ok  bool
	)
	if id := ch.TemplateID(); id != "" {
		if r.templates != nil {
			tpl, ok = r.templates.Get(id)
		}
		if !ok {
			p.Subject, p.Body = Fallback(ch.Type(), vars)
			p.Format = models.FormatPlain
			p.Fallback = true
			return p, &models.DanglingTemplateReferenceError{RuleID: ruleID, TemplateID: id}
		}
	} else {
		tpl, _ = templates.Default(ch.Type())
		p.TemplateID = tpl.ID
	}

	p.Subject, p.Body = Template(tpl, vars)
	p.Format = tpl.Format
	return p, nil
}

// Fallback renders a minimal notification listing every variable.
func Fallback(ct models.ChannelType, vars Variables) (subject *string, body string) {
	if ct == models.ChannelEmail {
		s := "[alert] " + vars[VarRuleName]
		subject = &s
	}

	var b strings.Builder
	for _, k := range VariableNames {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(vars[k])
		b.WriteString("\n")
	}
	return subject, b.String()
}
