// Package panel renders an aggregated attribute map into the two toolbar
// nodes shown to the host: a one-line summary and a sectioned detail panel.
package panel

import (
	"context"
	"fmt"
	"html/template"
	"slices"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/model"
)

// Toolbar node identifiers.
const (
	NodeSummary = "userbar-summary"
	NodePanel   = "userbar-panel"
)

// Defaults.
const (
	DefaultGlyph         = "👤"
	DefaultCapabilityCap = 10
)

var sectionTitles = map[string]string{
	hooks.SectionUserInfo:     "User Information",
	hooks.SectionEntity:       "Organization",
	hooks.SectionCustomFields: "Additional Information",
	hooks.SectionRoles:        "Roles",
	hooks.SectionCapabilities: "Capabilities",
}

var entityLabels = map[string]string{
	"entity_type": "Entity Type",
	"entity_name": "Entity",
	"company":     "Company",
	"company_id":  "Company ID",
	"branch":      "Branch",
	"branch_id":   "Branch ID",
	"department":  "Department",
	"position":    "Position",
	"employee_id": "Employee ID",
	"phone":       "Phone",
}

// Row is a labelled value in a section.
type Row struct {
	Label string
	Value string
}

// Section is one rendered panel section. Key/value sections fill Rows,
// list sections fill Items.
type Section struct {
	Name  string
	Title string
	Rows  []Row
	Items []string
}

// Panel is the rendered detail panel.
type Panel struct {
	// Sections lists the visible built-in sections in rendering order.
	Sections []Section
	// Markup is the panel HTML including slot fragments.
	Markup template.HTML
}

// block is either a sanitized fragment or a section, in output order.
type block struct {
	Fragment template.HTML
	Section  *Section
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithGlyph sets the summary prefix.
func WithGlyph(g string) Option {
	return func(r *Renderer) { r.glyph = g }
}

// WithCapabilityCap sets the default capability display cap. Values <= 0
// disable the cap.
func WithCapabilityCap(n int) Option {
	return func(r *Renderer) { r.capabilityCap = n }
}

// WithPolicy replaces the fragment sanitizing policy.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(r *Renderer) { r.policy = p }
}

// Renderer turns attribute maps into panel markup. It is safe for
// concurrent use once the hooks registry is frozen.
type Renderer struct {
	hooks         *hooks.Registry
	glyph         string
	capabilityCap int
	policy        *bluemonday.Policy
	tmpl          *template.Template
}

// NewRenderer creates a renderer dispatching to reg.
func NewRenderer(reg *hooks.Registry, opts ...Option) *Renderer {
	r := &Renderer{
		hooks:         reg,
		glyph:         DefaultGlyph,
		capabilityCap: DefaultCapabilityCap,
		policy:        bluemonday.UGCPolicy(),
		tmpl:          template.Must(template.New("panel").Parse(panelTemplate)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Visible reports whether the panel is shown for the request. The default
// is true for any request carrying an identity; show_panel may override it.
func (r *Renderer) Visible(ctx context.Context, rctx *model.RequestContext) bool {
	visible := rctx != nil && rctx.Identity != ""
	return r.hooks.ShowPanel.Apply(ctx, visible, rctx)
}

// Summary returns the one-line summary text, unescaped.
func (r *Renderer) Summary(ctx context.Context, id model.Identity, data model.AttributeMap) string {
	label := strings.Join(data.Strings(model.KeyRoleNames), ", ")
	if label == "" {
		label = data.String(model.KeyDisplayName)
	}
	if label == "" {
		label = data.String(model.KeyUsername)
	}
	text := strings.TrimSpace(r.glyph + " " + label)
	return r.hooks.SummaryText.Apply(ctx, text, hooks.SummaryArgs{Identity: id, Data: data})
}

// Render builds the detail panel. Slot fragments are sanitized; section
// values are escaped by the template.
func (r *Renderer) Render(ctx context.Context, id model.Identity, data model.AttributeMap) (Panel, error) {
	var p Panel
	var blocks []block
	args := hooks.PanelArgs{Identity: id, Data: data}

	blocks = r.appendFragments(blocks, r.hooks.BeforeSections.Collect(ctx, args))
	for _, name := range hooks.Sections {
		sectionArgs := args
		sectionArgs.Section = name

		blocks = r.appendFragments(blocks, r.hooks.Before(name).Collect(ctx, sectionArgs))
		if s, ok := r.section(ctx, name, id, data); ok {
			p.Sections = append(p.Sections, s)
			blocks = append(blocks, block{Section: &s})
		}
		blocks = r.appendFragments(blocks, r.hooks.After(name).Collect(ctx, sectionArgs))
	}
	blocks = r.appendFragments(blocks, r.hooks.AfterSections.Collect(ctx, args))

	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, blocks); err != nil {
		return Panel{}, fmt.Errorf("panel: render: %w", err)
	}
	p.Markup = template.HTML(sb.String())
	return p, nil
}

// Nodes returns the summary node and the panel node as declared to the host
// toolbar.
func (r *Renderer) Nodes(ctx context.Context, id model.Identity, data model.AttributeMap) ([]model.ToolbarNode, error) {
	p, err := r.Render(ctx, id, data)
	if err != nil {
		return nil, err
	}
	return []model.ToolbarNode{
		{
			ID:    NodeSummary,
			Title: template.HTMLEscapeString(r.Summary(ctx, id, data)),
		},
		{
			ID:       NodePanel,
			ParentID: NodeSummary,
			Title:    string(p.Markup),
		},
	}, nil
}

func (r *Renderer) appendFragments(blocks []block, frags []hooks.Fragment) []block {
	for _, f := range frags {
		clean := r.policy.Sanitize(string(f))
		if strings.TrimSpace(clean) == "" {
			continue
		}
		blocks = append(blocks, block{Fragment: template.HTML(clean)})
	}
	return blocks
}

func (r *Renderer) section(ctx context.Context, name string, id model.Identity, data model.AttributeMap) (Section, bool) {
	s := Section{Name: name, Title: sectionTitles[name]}
	switch name {
	case hooks.SectionUserInfo:
		s.Rows = nonEmptyRows(
			Row{"Name", data.String(model.KeyDisplayName)},
			Row{"Username", data.String(model.KeyUsername)},
			Row{"Email", data.String(model.KeyEmail)},
		)
		return s, true

	case hooks.SectionEntity:
		for _, k := range model.EntityKeys {
			if v := data.String(k); v != "" {
				s.Rows = append(s.Rows, Row{entityLabels[k], v})
			}
		}
		return s, len(s.Rows) > 0

	case hooks.SectionCustomFields:
		fields := data.StringMap(model.KeyCustomFields)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			s.Rows = append(s.Rows, Row{displayname.Humanize(k), fields[k]})
		}
		return s, len(fields) > 0

	case hooks.SectionRoles:
		s.Items = data.Strings(model.KeyRoleNames)
		return s, len(s.Items) > 0

	case hooks.SectionCapabilities:
		capped := r.hooks.CapabilityDisplayCap.Apply(ctx, r.capabilityCap, id)
		s.Items = CapList(data.Strings(model.KeyCapabilityNames), capped)
		return s, len(s.Items) > 0
	}
	return s, false
}

// CapList truncates names to limit entries and appends an "... and N more"
// sentinel counting the rest. limit <= 0 means no cap.
func CapList(names []string, limit int) []string {
	if limit <= 0 || len(names) <= limit {
		return slices.Clone(names)
	}
	out := slices.Clone(names[:limit])
	return append(out, fmt.Sprintf("... and %d more", len(names)-limit))
}

func nonEmptyRows(rows ...Row) []Row {
	out := rows[:0]
	for _, r := range rows {
		if r.Value != "" {
			out = append(out, r)
		}
	}
	return out
}

const panelTemplate = `<div class="userbar-panel">
{{- range . -}}
{{- if .Section }}
<section class="userbar-section userbar-{{ .Section.Name }}">
<h4>{{ .Section.Title }}</h4>
{{- if .Section.Rows }}
<dl>
{{- range .Section.Rows }}
<dt>{{ .Label }}</dt><dd>{{ .Value }}</dd>
{{- end }}
</dl>
{{- end }}
{{- if .Section.Items }}
<ul>
{{- range .Section.Items }}
<li>{{ . }}</li>
{{- end }}
</ul>
{{- end }}
</section>
{{- else }}
{{ .Fragment }}
{{- end -}}
{{- end }}
</div>`
