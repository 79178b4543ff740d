package option

import (
	"strings"

	"smallbiznis-rewards/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueryOption func(*gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Default string
	Allow   map[string]bool
}

const defaultSortColumn = "created_at"

// WithSortBy orders by SortBy, falling back to Default (created_at when
// unset) when the column is empty or not in Allow. OrderBy is "asc" or
// "desc" (default).
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" || (s.Allow != nil && !s.Allow[column]) {
			column = s.Default
		}
		if column == "" {
			column = defaultSortColumn
		}
		desc := !strings.EqualFold(s.OrderBy, "asc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

// LockingUpdate adds SELECT ... FOR UPDATE. sqlite has no row locks and
// serializes writers itself, so the clause is skipped there.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		op := c.Operator
		switch op {
		case EQ, NEQ, GT, GTE, LT, LTE:
		default:
			op = EQ
		}
		return db.Where(clause.Expr{
			SQL:  "? " + string(op) + " ?",
			Vars: []any{clause.Column{Name: c.Field}, c.Value},
		})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination applies keyset pagination over (created_at, id) descending.
// One extra row is fetched so callers can tell whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Cursor != "" {
			if cur, err := pagination.DecodeCursor(p.Cursor); err == nil && cur.CreatedAt != "" {
				createdAt, err := cur.Time()
				if err == nil {
					db = db.Where("((created_at < ?) OR (created_at = ? AND id < ?))", createdAt, createdAt, cur.ID)
				}
			}
		}

		db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true})

		if p.Limit > 0 {
			db = db.Limit(p.Limit + 1)
		}
		return db
	}
}
