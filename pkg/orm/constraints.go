package orm

import (
	"context"
	"fmt"
	"strings"

	"entitykit/pkg/domain"
)

// Constraint rule names.
const (
	RuleNotNull        = "not_null"
	RuleForeignKey     = "foreign_key"
	RuleOneToOneUnique = "one_to_one_unique"
)

// ConstraintRules derives blocking store rules from the built registry:
// non-null columns, join column references and one-to-one uniqueness.
func ConstraintRules(r *Registry) []domain.Rule {
	byTable := make(map[string]*EntityMetadata)
	for _, m := range r.All() {
		byTable[m.Table] = m
	}
	return []domain.Rule{
		notNullRule{tables: byTable},
		foreignKeyRule{tables: byTable},
		oneToOneRule{tables: byTable},
	}
}

func violation(rule string, c domain.Change, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Table:    c.Table,
		Key:      c.Key,
	}
}

type notNullRule struct{ tables map[string]*EntityMetadata }

func (notNullRule) Name() string { return RuleNotNull }

func (r notNullRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		m, ok := r.tables[c.Table]
		if !ok || c.Action == domain.ActionDelete {
			continue
		}
		for _, f := range m.Fields {
			if !f.Nullable && c.After[f.Column] == nil {
				res.Violations = append(res.Violations, violation(RuleNotNull, c, "%s.%s must not be null", m.Name, f.FieldName))
			}
		}
		seen := make(map[string]bool)
		for _, a := range m.Associations {
			for _, jc := range a.JoinColumns {
				if jc.Nullable || seen[jc.Name] {
					continue
				}
				seen[jc.Name] = true
				if c.After[jc.Name] == nil {
					res.Violations = append(res.Violations, violation(RuleNotNull, c, "%s join column %s must not be null", m.Name, jc.Name))
				}
			}
		}
	}
	return res, nil
}

type foreignKeyRule struct{ tables map[string]*EntityMetadata }

func (foreignKeyRule) Name() string { return RuleForeignKey }

func (r foreignKeyRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		m, ok := r.tables[c.Table]
		if !ok {
			continue
		}
		if c.Action == domain.ActionDelete {
			res.Merge(r.restrictDelete(view, m, c))
			continue
		}
		for _, a := range m.Associations {
			tk, set, err := targetKeyFromRow(a, c.After)
			if err != nil {
				return domain.Result{}, err
			}
			if !set {
				continue
			}
			if _, exists := view.Get(a.target.Table, tk.String()); !exists {
				res.Violations = append(res.Violations, violation(RuleForeignKey, c, "%s.%s references missing %s %s", m.Name, a.FieldName, a.target.Name, tk))
			}
		}
	}
	return res, nil
}

// restrictDelete reports rows that still reference a deleted row.
func (r foreignKeyRule) restrictDelete(view domain.RuleView, target *EntityMetadata, c domain.Change) domain.Result {
	var res domain.Result
	for _, m := range r.tables {
		for _, a := range m.Associations {
			if a.target != target {
				continue
			}
			for _, row := range view.Scan(m.Table) {
				tk, set, err := targetKeyFromRow(a, row)
				if err != nil || !set || tk.String() != c.Key {
					continue
				}
				res.Violations = append(res.Violations, violation(RuleForeignKey, c, "%s %s is still referenced by %s.%s", target.Name, c.Key, m.Name, a.FieldName))
				break
			}
		}
	}
	return res
}

type oneToOneRule struct{ tables map[string]*EntityMetadata }

func (oneToOneRule) Name() string { return RuleOneToOneUnique }

func (r oneToOneRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		m, ok := r.tables[c.Table]
		if !ok || c.Action == domain.ActionDelete {
			continue
		}
		for _, a := range m.Associations {
			if a.Kind != KindOneToOne {
				continue
			}
			tuple, ok := joinTuple(a, c.After)
			if !ok {
				continue
			}
			matches := 0
			for _, row := range view.Scan(m.Table) {
				if t, ok := joinTuple(a, row); ok && t == tuple {
					matches++
				}
			}
			if matches > 1 {
				res.Violations = append(res.Violations, violation(RuleOneToOneUnique, c, "%s.%s target %s is already associated", m.Name, a.FieldName, tuple))
			}
		}
	}
	return res, nil
}

func joinTuple(a *AssociationMapping, row domain.Row) (string, bool) {
	parts := make([]string, len(a.JoinColumns))
	for i, jc := range a.JoinColumns {
		v := row[jc.Name]
		if v == nil {
			return "", false
		}
		parts[i] = jc.Name + "=" + domain.FormatValue(v)
	}
	return strings.Join(parts, ","), true
}
