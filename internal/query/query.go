package query

import (
	"strings"

	"sfbridge/config"
)

// Env carries the recognized per-query environment keys plus free-form
// substitution variables for the template.
type Env struct {
	ID              []string
	EventType       string
	TimestampAttr   string
	RenameTimestamp string
	APIVer          string
	Vars            map[string]string
}

// TimestampAttrOrDefault returns the source timestamp field name.
func (e Env) TimestampAttrOrDefault() string {
	if e.TimestampAttr != "" {
		return e.TimestampAttr
	}
	return "CreatedDate"
}

// RenameTimestampOrDefault returns the output timestamp field name.
func (e Env) RenameTimestampOrDefault() string {
	if e.RenameTimestamp != "" {
		return e.RenameTimestamp
	}
	return "timestamp"
}

// Query is one SOQL template plus its environment. The template is never
// mutated; rendering produces a separate Rendered value per cycle.
type Query struct {
	Template string
	Env      Env
}

// Rendered is a concrete SOQL string ready to execute, paired with the
// environment the downstream record processing needs.
type Rendered struct {
	SOQL string
	Env  Env
}

// FromConfig converts configured queries into Query values.
func FromConfig(cfgs []config.QueryConfig) []Query {
	queries := make([]Query, 0, len(cfgs))
	for _, qc := range cfgs {
		queries = append(queries, Query{
			Template: qc.Template,
			Env: Env{
				ID:              qc.Env.ID,
				EventType:       qc.Env.EventType,
				TimestampAttr:   qc.Env.TimestampAttr,
				RenameTimestamp: qc.Env.RenameTimestamp,
				APIVer:          qc.Env.APIVer,
				Vars:            qc.Env.Vars,
			},
		})
	}
	return queries
}

// Render substitutes the window bounds, the log interval type and the
// query's own variables into the template, then replaces spaces with '+'
// so the SOQL is URL-safe.
func (q Query) Render(fromTimestamp, toTimestamp, logIntervalType string) Rendered {
	args := map[string]string{
		"from_timestamp":    fromTimestamp,
		"to_timestamp":      toTimestamp,
		"log_interval_type": logIntervalType,
	}
	soql := substitute(q.Template, args, q.Env.Vars)
	soql = strings.ReplaceAll(soql, " ", "+")
	return Rendered{SOQL: soql, Env: q.Env}
}

// substitute replaces {name} placeholders from args first, then from vars.
func substitute(template string, args, vars map[string]string) string {
	out := template
	for name, value := range args {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
