// Package query implements the Query Composer (C3): an accumulated
// filter list compiled into one chained SQL pipeline over a kb's node
// table (spec.md §4.3).
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/models"
)

// render produces a filter's SQL clause and bind arguments, given the
// index of the first placeholder it may use. Filters are rendered in
// accumulation order at Execute time so that placeholder numbers never
// collide across stages (spec.md §4.3: "Parameter names are rewritten
// to avoid collisions across stages").
type render func(argStart int) (clause string, args []interface{})

// Composer accumulates filter predicates over one kb's node table and
// compiles them into a single chained WHERE clause (spec.md §4.3).
// Composer is not safe for concurrent use; build one per query.
type Composer struct {
	db      dbconn.Querier
	kb      string
	filters []render
}

// New starts a Composer over kb's node table, reading through q
// (either a *sqlx.DB or a transaction opened by a caller).
func New(q dbconn.Querier, kb string) *Composer {
	return &Composer{db: q, kb: kb}
}

func (c *Composer) add(r render) *Composer {
	c.filters = append(c.filters, r)
	return c
}

// KB restricts to rows whose kb column equals kb (spec.md §4.3
// "equality on kb").
func (c *Composer) KB(kb string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("kb = $%d", n), []interface{}{kb}
	})
}

// Label restricts to rows whose label column equals label.
func (c *Composer) Label(label string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("label = $%d", n), []interface{}{label}
	})
}

// Name restricts to rows whose name column equals name.
func (c *Composer) Name(name string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("name = $%d", n), []interface{}{name}
	})
}

// PropertyKey restricts to rows whose properties JSONB contains key.
func (c *Composer) PropertyKey(key string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("properties ? $%d", n), []interface{}{key}
	})
}

// PropertyValue restricts to rows whose properties JSONB contains
// {key: value} (spec.md §4.3 "property-value match (properties ⊇
// {K: V})").
func (c *Composer) PropertyValue(key string, value interface{}) (*Composer, error) {
	doc, err := json.Marshal(map[string]interface{}{key: value})
	if err != nil {
		return c, kberrors.New(kberrors.InvalidArgument, "query.property_value", err)
	}
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("properties @> $%d::jsonb", n), []interface{}{doc}
	}), nil
}

// PathExact restricts to rows whose path equals path.
func (c *Composer) PathExact(path string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("path = $%d::ltree", n), []interface{}{path}
	})
}

// PathDescendant restricts to rows whose path descends from (or
// equals) ancestor, using the ltree descendant-of operator.
func (c *Composer) PathDescendant(ancestor string) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("path <@ $%d::ltree", n), []interface{}{ancestor}
	})
}

// HasLink restricts to rows whose has_link flag equals v.
func (c *Composer) HasLink(v bool) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("has_link = $%d", n), []interface{}{v}
	})
}

// HasLinkMount restricts to rows whose has_link_mount flag equals v.
func (c *Composer) HasLinkMount(v bool) *Composer {
	return c.add(func(n int) (string, []interface{}) {
		return fmt.Sprintf("has_link_mount = $%d", n), []interface{}{v}
	})
}

// compile renders every accumulated filter in order, returning the
// conjunction SQL (or "TRUE" for an empty filter list, per spec.md
// §4.3 "Empty filter list returns all nodes") and its bind arguments.
func (c *Composer) compile() (string, []interface{}) {
	if len(c.filters) == 0 {
		return "TRUE", nil
	}
	clauses := make([]string, 0, len(c.filters))
	args := make([]interface{}, 0, len(c.filters))
	next := 1
	for _, f := range c.filters {
		clause, fargs := f(next)
		clauses = append(clauses, clause)
		args = append(args, fargs...)
		next += len(fargs)
	}
	return strings.Join(clauses, " AND "), args
}

// Execute runs the compiled pipeline against kb's node table and
// returns every matching row.
func (c *Composer) Execute(ctx context.Context) ([]models.Node, error) {
	const op = "query.execute"
	where, args := c.compile()

	sqlText := fmt.Sprintf(
		`SELECT id, kb, label, name, properties, data, path::text, has_link, has_link_mount
		 FROM %s WHERE %s ORDER BY id`, c.kb, where)

	var nodes []models.Node
	if err := c.db.SelectContext(ctx, &nodes, sqlText, args...); err != nil {
		return nil, kberrors.New(kberrors.StorageFailure, op, err)
	}
	return nodes, nil
}
