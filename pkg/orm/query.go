package orm

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
)

// QueryBuilder assembles a query over one entity type.
type QueryBuilder struct {
	s        *Session
	selected string
	entity   string
	alias    string
	where    []string
	params   map[string]any
	orders   []orderSpec
	first    int
	max      int
}

type orderSpec struct {
	path string
	desc bool
}

// CreateQueryBuilder starts a query whose results are managed by s.
func (s *Session) CreateQueryBuilder() *QueryBuilder {
	return &QueryBuilder{s: s, params: make(map[string]any)}
}

// Select names the alias returned by the query.
func (qb *QueryBuilder) Select(alias string) *QueryBuilder {
	qb.selected = alias
	return qb
}

// From sets the queried entity and its alias.
func (qb *QueryBuilder) From(entity, alias string) *QueryBuilder {
	qb.entity, qb.alias = entity, alias
	return qb
}

// Where replaces the conditions with expr.
func (qb *QueryBuilder) Where(expr string) *QueryBuilder {
	qb.where = []string{expr}
	return qb
}

// AndWhere adds a condition.
func (qb *QueryBuilder) AndWhere(expr string) *QueryBuilder {
	qb.where = append(qb.where, expr)
	return qb
}

// SetParameter binds a named parameter.
func (qb *QueryBuilder) SetParameter(name string, value any) *QueryBuilder {
	qb.params[strings.TrimPrefix(name, ":")] = value
	return qb
}

// OrderBy replaces the ordering. dir is ASC or DESC.
func (qb *QueryBuilder) OrderBy(path, dir string) *QueryBuilder {
	qb.orders = nil
	return qb.AddOrderBy(path, dir)
}

// AddOrderBy appends an ordering.
func (qb *QueryBuilder) AddOrderBy(path, dir string) *QueryBuilder {
	qb.orders = append(qb.orders, orderSpec{path: path, desc: strings.EqualFold(dir, "DESC")})
	return qb
}

// SetFirstResult skips the first n results.
func (qb *QueryBuilder) SetFirstResult(n int) *QueryBuilder {
	qb.first = n
	return qb
}

// SetMaxResults limits the number of results. Zero means unlimited.
func (qb *QueryBuilder) SetMaxResults(n int) *QueryBuilder {
	qb.max = n
	return qb
}

type condition struct {
	column string
	typ    ColumnType
	op     string
	arg    operand
}

type ordering struct {
	column string
	typ    ColumnType
	desc   bool
}

// Query is a compiled query.
type Query struct {
	s          *Session
	meta       *EntityMetadata
	conditions []condition
	orders     []ordering
	params     map[string]any
	first      int
	max        int
}

// GetQuery validates the builder and resolves field paths against the mapping.
func (qb *QueryBuilder) GetQuery() (*Query, error) {
	if qb.entity == "" || qb.alias == "" {
		return nil, errors.Wrap(ErrQuerySyntax, "missing FROM")
	}
	if qb.selected != "" && qb.selected != qb.alias {
		return nil, errors.Wrapf(ErrQuerySyntax, "unknown alias %q in SELECT", qb.selected)
	}
	if !qb.s.registry.Built() {
		return nil, ErrRegistryNotBuilt
	}
	meta, ok := qb.s.registry.ByName(qb.entity)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEntity, "%s", qb.entity)
	}
	if qb.first < 0 || qb.max < 0 {
		return nil, errors.Wrap(ErrQuerySyntax, "negative offset or limit")
	}
	q := &Query{s: qb.s, meta: meta, params: make(map[string]any, len(qb.params)), first: qb.first, max: qb.max}
	for k, v := range qb.params {
		q.params[k] = v
	}
	for _, expr := range qb.where {
		preds, err := parseCondition(expr)
		if err != nil {
			return nil, err
		}
		for _, p := range preds {
			column, typ, err := qb.resolve(meta, p.alias, p.field)
			if err != nil {
				return nil, err
			}
			q.conditions = append(q.conditions, condition{column: column, typ: typ, op: p.op, arg: p.arg})
		}
	}
	for _, o := range qb.orders {
		alias, field, err := splitPath(o.path)
		if err != nil {
			return nil, err
		}
		column, typ, err := qb.resolve(meta, alias, field)
		if err != nil {
			return nil, err
		}
		q.orders = append(q.orders, ordering{column: column, typ: typ, desc: o.desc})
	}
	for _, p := range meta.idParts {
		q.orders = append(q.orders, ordering{column: p.column, typ: p.typ})
	}
	return q, nil
}

func (qb *QueryBuilder) resolve(meta *EntityMetadata, alias, field string) (string, ColumnType, error) {
	if alias != qb.alias {
		return "", "", errors.Wrapf(ErrQuerySyntax, "unknown alias %q", alias)
	}
	if f, ok := meta.Field(field); ok {
		return f.Column, f.Type, nil
	}
	if a, ok := meta.Association(field); ok {
		if len(a.JoinColumns) != 1 {
			return "", "", errors.Wrapf(ErrQuerySyntax, "%s.%s has a composite join", meta.Name, field)
		}
		typ, _ := meta.ColumnType(a.JoinColumns[0].Name)
		return a.JoinColumns[0].Name, typ, nil
	}
	return "", "", errors.Wrapf(ErrQuerySyntax, "%s has no field %q", meta.Name, field)
}

// SetParameter binds a named parameter on the compiled query.
func (q *Query) SetParameter(name string, value any) *Query {
	q.params[strings.TrimPrefix(name, ":")] = value
	return q
}

// Result returns every matching entity, hydrated through the session.
func (q *Query) Result(ctx context.Context) ([]any, error) {
	args, err := q.bind()
	if err != nil {
		return nil, err
	}
	var rows []domain.Row
	err = q.s.store.View(ctx, func(tx domain.TransactionView) error {
		for _, row := range tx.Scan(q.meta.Table) {
			ok, err := q.match(row, args)
			if err != nil {
				return err
			}
			if ok {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := q.sort(rows); err != nil {
		return nil, err
	}
	rows = page(rows, q.first, q.max)
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		inst, err := q.s.hydrate(ctx, q.meta, row)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	q.s.log.Debugw("query executed", "entity", q.meta.Name, "count", len(out))
	return out, nil
}

// OneOrNullResult returns the single match or nil.
func (q *Query) OneOrNullResult(ctx context.Context) (any, error) {
	res, err := q.Result(ctx)
	if err != nil {
		return nil, err
	}
	switch len(res) {
	case 0:
		return nil, nil
	case 1:
		return res[0], nil
	}
	return nil, errors.Wrapf(ErrNonUniqueResult, "%d %s rows", len(res), q.meta.Name)
}

// SingleResult returns the single match.
func (q *Query) SingleResult(ctx context.Context) (any, error) {
	res, err := q.OneOrNullResult(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.Wrapf(ErrNoResult, "%s", q.meta.Name)
	}
	return res, nil
}

// GetResult runs q and returns its results as *T.
func GetResult[T any](ctx context.Context, q *Query) ([]*T, error) {
	res, err := q.Result(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(res))
	for _, r := range res {
		t, err := as[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetOneOrNullResult runs q and returns the single match as *T, or nil.
func GetOneOrNullResult[T any](ctx context.Context, q *Query) (*T, error) {
	res, err := q.OneOrNullResult(ctx)
	if err != nil || res == nil {
		return nil, err
	}
	return as[T](res)
}

// GetSingleResult runs q and returns the single match as *T.
func GetSingleResult[T any](ctx context.Context, q *Query) (*T, error) {
	res, err := q.SingleResult(ctx)
	if err != nil {
		return nil, err
	}
	return as[T](res)
}

func as[T any](v any) (*T, error) {
	t, ok := v.(*T)
	if !ok {
		return nil, errors.Newf("query returned %T, not %T", v, (*T)(nil))
	}
	return t, nil
}

func (q *Query) bind() ([]any, error) {
	args := make([]any, len(q.conditions))
	for i, c := range q.conditions {
		raw := c.arg.value
		if c.op == "IS NULL" || c.op == "IS NOT NULL" {
			continue
		}
		if c.arg.kind == operandParam {
			v, ok := q.params[c.arg.param]
			if !ok {
				return nil, errors.Wrapf(ErrQueryParameter, "parameter %q is not bound", c.arg.param)
			}
			raw = v
		}
		if h, ok := raw.(refHandle); ok {
			k, set := h.refKey()
			if !set || len(k.values) != 1 {
				return nil, errors.Wrapf(ErrQueryParameter, "reference used as %s has no single-column key", c.column)
			}
			raw = k.values[0]
		}
		v, err := c.typ.Convert(valueOf(raw))
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, ErrQueryParameter), "column %s", c.column)
		}
		if v == nil {
			return nil, errors.Wrapf(ErrQueryParameter, "null compared with %s; use IS NULL", c.column)
		}
		args[i] = v
	}
	return args, nil
}

func (q *Query) match(row domain.Row, args []any) (bool, error) {
	for i, c := range q.conditions {
		v, err := c.typ.Convert(row[c.column])
		if err != nil {
			return false, errors.Wrapf(err, "column %s", c.column)
		}
		switch c.op {
		case "IS NULL":
			if v != nil {
				return false, nil
			}
			continue
		case "IS NOT NULL":
			if v == nil {
				return false, nil
			}
			continue
		}
		if v == nil {
			return false, nil
		}
		cmp, err := compare(v, args[i])
		if err != nil {
			return false, err
		}
		if !holds(c.op, cmp) {
			return false, nil
		}
	}
	return true, nil
}

func holds(op string, cmp int) bool {
	switch op {
	case "=":
		return cmp == 0
	case "<>":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// compare orders two canonical values of the same column type. Nulls sort first.
func compare(a, b any) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		if ok {
			return cmpOrdered(x, y), nil
		}
	case float64:
		y, ok := b.(float64)
		if ok {
			return cmpOrdered(x, y), nil
		}
	case string:
		y, ok := b.(string)
		if ok {
			return strings.Compare(x, y), nil
		}
	case bool:
		y, ok := b.(bool)
		if ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			}
			return 1, nil
		}
	case time.Time:
		y, ok := b.(time.Time)
		if ok {
			return x.Compare(y), nil
		}
	}
	return 0, errors.Newf("cannot compare %T with %T", a, b)
}

func cmpOrdered[N int64 | float64](a, b N) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (q *Query) sort(rows []domain.Row) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range q.orders {
			a, err := o.typ.Convert(rows[i][o.column])
			if err != nil {
				sortErr = err
				return false
			}
			b, err := o.typ.Convert(rows[j][o.column])
			if err != nil {
				sortErr = err
				return false
			}
			cmp, err := compare(a, b)
			if err != nil {
				sortErr = err
				return false
			}
			if cmp != 0 {
				if o.desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
	return sortErr
}

func page(rows []domain.Row, first, limit int) []domain.Row {
	if first >= len(rows) {
		return nil
	}
	rows = rows[first:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
