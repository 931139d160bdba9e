package services

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate applies a row lock on dialects that support it. SQLite has no
// FOR UPDATE syntax; its single-writer model already serializes writers.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
