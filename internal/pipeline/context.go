package pipeline

import (
	"riskwatch/internal/models"
)

// Field names a value carried in the pipeline Context
type Field string

const (
	FieldSubject  Field = "subject"
	FieldRawData  Field = "raw_data"
	FieldSources  Field = "sources"
	FieldSummary  Field = "summary"
	FieldSeverity Field = "severity"
	FieldFindings Field = "findings"
	FieldAlerts   Field = "alerts"
)

func (f Field) known() bool {
	switch f {
	case FieldSubject, FieldRawData, FieldSources, FieldSummary, FieldSeverity, FieldFindings, FieldAlerts:
		return true
	default:
		return false
	}
}

// Context accumulates stage outputs during one run. It starts with only Subject set.
type Context struct {
	Subject  string
	RawData  string
	Sources  []models.Source
	Summary  string
	Severity int
	Findings []models.Finding
	Alerts   []string
}

// clone returns a copy that shares no slices with c
func (c Context) clone() Context {
	out := c
	out.Sources = append([]models.Source(nil), c.Sources...)
	out.Findings = append([]models.Finding(nil), c.Findings...)
	out.Alerts = append([]string(nil), c.Alerts...)
	return out
}

// Partial is what a stage hands back: only the fields it set are merged into the Context.
type Partial struct {
	values Context
	set    map[Field]struct{}
}

func (p *Partial) mark(f Field) {
	if p.set == nil {
		p.set = make(map[Field]struct{})
	}
	p.set[f] = struct{}{}
}

func (p *Partial) SetRawData(v string) *Partial {
	p.values.RawData = v
	p.mark(FieldRawData)
	return p
}

func (p *Partial) SetSources(v []models.Source) *Partial {
	p.values.Sources = v
	p.mark(FieldSources)
	return p
}

func (p *Partial) SetSummary(v string) *Partial {
	p.values.Summary = v
	p.mark(FieldSummary)
	return p
}

func (p *Partial) SetSeverity(v int) *Partial {
	p.values.Severity = v
	p.mark(FieldSeverity)
	return p
}

func (p *Partial) SetFindings(v []models.Finding) *Partial {
	p.values.Findings = v
	p.mark(FieldFindings)
	return p
}

func (p *Partial) SetAlerts(v []string) *Partial {
	p.values.Alerts = v
	p.mark(FieldAlerts)
	return p
}

// Has reports whether the partial sets f
func (p Partial) Has(f Field) bool {
	_, ok := p.set[f]
	return ok
}

// Fields lists the fields the partial sets
func (p Partial) Fields() []Field {
	out := make([]Field, 0, len(p.set))
	for f := range p.set {
		out = append(out, f)
	}
	return out
}

// apply merges the fields set in p into c
func (c *Context) apply(p Partial) {
	v := p.values.clone()
	if p.Has(FieldRawData) {
		c.RawData = v.RawData
	}
	if p.Has(FieldSources) {
		c.Sources = v.Sources
	}
	if p.Has(FieldSummary) {
		c.Summary = v.Summary
	}
	if p.Has(FieldSeverity) {
		c.Severity = v.Severity
	}
	if p.Has(FieldFindings) {
		c.Findings = v.Findings
	}
	if p.Has(FieldAlerts) {
		c.Alerts = v.Alerts
	}
}
