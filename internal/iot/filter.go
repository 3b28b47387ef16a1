package iot

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter selects which alerts the processor handles. An empty expression
// matches everything.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr. Available variables: deviceId, alertType,
// message, timestamp, recipients (list of maps) and json (the whole alert).
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("deviceId", cel.StringType),
		cel.Variable("alertType", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("recipients", cel.ListType(cel.DynType)),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("alert filter: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("alert filter: %w", iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog, enabled: true}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match reports whether a passes. Evaluation errors and non-boolean
// results do not match.
func (f *Filter) Match(a Alert) bool {
	if f == nil || !f.enabled {
		return true
	}
	recipients := make([]any, 0, len(a.Recipients))
	for _, r := range a.Recipients {
		recipients = append(recipients, map[string]any{
			"name":             r.Name,
			"email":            r.Email,
			"phone":            r.Phone,
			"preferredChannel": string(r.PreferredChannel),
		})
	}
	var doc any
	if b, err := json.Marshal(a); err == nil {
		_ = json.Unmarshal(b, &doc)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"deviceId":   a.DeviceID,
		"alertType":  string(a.AlertType),
		"message":    a.Message,
		"timestamp":  a.Timestamp,
		"recipients": recipients,
		"json":       doc,
	})
	if err != nil {
		return false
	}
	ok, _ := out.Value().(bool)
	return ok
}
