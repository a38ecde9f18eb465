// Package db provides customer list filter building.
package db

import (
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"github.com/kimhsiao/csmsync/internal/models"
)

// ListFilter is the predicate of a customer list query. Zero values match everything.
type ListFilter struct {
	// OwnerID restricts results to one owner when set.
	OwnerID *int64
	// Category and Status match exactly when non-empty.
	Category string
	Status   string
	// Search is a case-insensitive substring matched against models.SearchFields.
	Search string
	// PendingOnly keeps records whose write is not confirmed remotely.
	PendingOnly bool
	// LocalIDsOnly keeps records that still carry a temporary id.
	LocalIDsOnly bool
}

// build adds the filter conditions to sb.
func (f ListFilter) build(sb *sqlbuilder.SelectBuilder) {
	if f.OwnerID != nil {
		sb.Where(sb.Equal("owner_id", *f.OwnerID))
	}
	if f.Category != "" {
		sb.Where(sb.Equal("category", f.Category))
	}
	if f.Status != "" {
		sb.Where(sb.Equal("status", f.Status))
	}
	if s := models.FoldSearch(f.Search); s != "" {
		sb.Where(fmt.Sprintf("instr(search_text, %s) > 0", sb.Var(s)))
	}
	if f.PendingOnly {
		sb.Where(sb.Or(sb.Equal("synced_at", ""), sb.Equal("is_local", 1)))
	}
	if f.LocalIDsOnly {
		sb.Where(sb.LessThan("id", 0))
	}
}

// selectSQL returns the list query for the filter.
func (f ListFilter) selectSQL(columns ...string) (string, []interface{}) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(columns...).From("customers")
	f.build(sb)
	sb.OrderBy("id")
	return sb.Build()
}

// countSQL returns the count query for the filter.
func (f ListFilter) countSQL() (string, []interface{}) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From("customers")
	f.build(sb)
	return sb.Build()
}

// Match evaluates the filter against a record in memory, with the same semantics
// as the SQL query.
func (f ListFilter) Match(c *models.Customer) bool {
	if c == nil {
		return false
	}
	if f.OwnerID != nil && c.OwnerID != *f.OwnerID {
		return false
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if !c.MatchesSearch(f.Search) {
		return false
	}
	if f.PendingOnly && !c.IsPending() {
		return false
	}
	if f.LocalIDsOnly && !c.IsTemporary() {
		return false
	}
	return true
}
