// Package sqlexec turns natural-language data requests into safe,
// read-only SQL access. It exposes the live database shape for prompt
// construction, validates generated statements before they touch the
// database, and executes them with timeout, relaxation and label
// mapping applied to the results.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Column describes a single column of an introspected table.
type Column struct {
	Name string
	Type string
}

// Table describes an introspected table with its foreign key hints.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []string
}

// Descriptor is a snapshot of the database shape. Tables are ordered
// so the operationally important ones appear first in prompts.
type Descriptor struct {
	Tables []Table

	columns map[string]map[string]bool
}

// HasTable reports whether the descriptor contains the named table.
func (d *Descriptor) HasTable(name string) bool {
	_, ok := d.columns[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether the named table contains the named column.
func (d *Descriptor) HasColumn(table, column string) bool {
	cols, ok := d.columns[strings.ToLower(table)]
	if !ok {
		return false
	}
	return cols[strings.ToLower(column)]
}

// Prompt formats the descriptor as compact text for model prompts.
func (d *Descriptor) Prompt() string {
	var b strings.Builder
	b.WriteString("DATABASE SCHEMA:\n")
	for _, t := range d.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = fmt.Sprintf("%s (%s)", c.Name, c.Type)
		}
		fmt.Fprintf(&b, "Table: %s\nColumns: %s\n", t.Name, strings.Join(cols, ", "))
		if len(t.ForeignKeys) > 0 {
			fmt.Fprintf(&b, "Relations: %s\n", strings.Join(t.ForeignKeys, ", "))
		}
		b.WriteString("---\n")
	}
	return b.String()
}

// priorityTables orders the tables users ask about most often ahead of
// the rest so truncated prompts keep the relevant context.
var priorityTables = []string{"task_transaction", "scheduler_slot", "facility", "user", "asset"}

const descriptorTTL = time.Hour

// Inspector reflects the SQLite schema and memoizes the result.
// Reflection walks sqlite_master plus table pragmas, which is cheap
// but still not something to repeat on every request.
type Inspector struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time

	cached    *Descriptor
	fetchedAt time.Time
}

// NewInspector creates an Inspector over the given database handle.
func NewInspector(db *sql.DB) *Inspector {
	return &Inspector{db: db, now: time.Now}
}

// Describe returns the current schema descriptor, reusing a cached
// snapshot for up to an hour.
func (in *Inspector) Describe(ctx context.Context) (*Descriptor, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cached != nil && in.now().Sub(in.fetchedAt) < descriptorTTL {
		return in.cached, nil
	}

	desc, err := in.reflect(ctx)
	if err != nil {
		if in.cached != nil {
			return in.cached, nil
		}
		return nil, fmt.Errorf("reflect schema: %w", err)
	}

	in.cached = desc
	in.fetchedAt = in.now()
	return desc, nil
}

// Invalidate drops the cached snapshot so the next Describe reflects.
func (in *Inspector) Invalidate() {
	in.mu.Lock()
	in.cached = nil
	in.mu.Unlock()
}

func (in *Inspector) reflect(ctx context.Context) (*Descriptor, error) {
	rows, err := in.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByPriority(names)

	desc := &Descriptor{columns: make(map[string]map[string]bool)}
	for _, name := range names {
		table, err := in.reflectTable(ctx, name)
		if err != nil {
			return nil, err
		}
		desc.Tables = append(desc.Tables, table)

		cols := make(map[string]bool, len(table.Columns))
		for _, c := range table.Columns {
			cols[strings.ToLower(c.Name)] = true
		}
		desc.columns[strings.ToLower(name)] = cols
	}
	return desc, nil
}

func (in *Inspector) reflectTable(ctx context.Context, name string) (Table, error) {
	table := Table{Name: name}

	rows, err := in.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
	if err != nil {
		return table, err
	}
	for rows.Next() {
		var (
			cid, notNull, pk int
			colName, colType string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return table, err
		}
		table.Columns = append(table.Columns, Column{Name: colName, Type: colType})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return table, err
	}
	rows.Close()

	fkRows, err := in.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", name))
	if err != nil {
		return table, err
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var (
			id, seq                           int
			refTable, from                    string
			to                                sql.NullString
			onUpdate, onDelete, matchStrategy string
		)
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchStrategy); err != nil {
			return table, err
		}
		target := to.String
		if target == "" {
			target = "id"
		}
		table.ForeignKeys = append(table.ForeignKeys, fmt.Sprintf("%s FK -> %s.%s", from, refTable, target))
	}
	return table, fkRows.Err()
}

func sortByPriority(names []string) {
	rank := func(name string) int {
		for i, p := range priorityTables {
			if name == p {
				return i
			}
		}
		return len(priorityTables) + 1
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && rank(names[j]) < rank(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}
