package validator

import "github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"

// RuleBuilder assembles a Rule and rejects incomplete definitions.
type RuleBuilder[S comparable] struct {
	rule Rule[S]
}

// NewRule starts a rule named name. Severity and Check must be set before Build.
func NewRule[S comparable](name string) *RuleBuilder[S] {
	return &RuleBuilder[S]{rule: Rule[S]{Name: name, Metadata: map[string]string{}}}
}

// Description sets the rule description.
func (b *RuleBuilder[S]) Description(d string) *RuleBuilder[S] {
	b.rule.Description = d
	return b
}

// Severity sets the rule severity.
func (b *RuleBuilder[S]) Severity(s Severity) *RuleBuilder[S] {
	b.rule.Severity = s
	return b
}

// Check sets the predicate.
func (b *RuleBuilder[S]) Check(fn CheckFunc[S]) *RuleBuilder[S] {
	b.rule.Check = fn
	return b
}

// Priority orders the rule; lower runs first.
func (b *RuleBuilder[S]) Priority(p int) *RuleBuilder[S] {
	b.rule.Priority = p
	return b
}

// DependsOn names rules that must pass first.
func (b *RuleBuilder[S]) DependsOn(names ...string) *RuleBuilder[S] {
	b.rule.DependsOn = append(b.rule.DependsOn, names...)
	return b
}

// Metadata adds one key to the rule metadata.
func (b *RuleBuilder[S]) Metadata(key, value string) *RuleBuilder[S] {
	b.rule.Metadata[key] = value
	return b
}

// Build validates and returns the rule.
func (b *RuleBuilder[S]) Build() (Rule[S], error) {
	if b.rule.Name == "" {
		return Rule[S]{}, missing("rule name")
	}
	if b.rule.Severity == "" {
		return Rule[S]{}, missing("rule severity")
	}
	if b.rule.Check == nil {
		return Rule[S]{}, missing("rule check function")
	}
	return b.rule, nil
}

func missing(field string) error {
	return captureerr.Configuration(captureerr.CodeMissingRequired, field+" is required").
		WithComponent("validator")
}
