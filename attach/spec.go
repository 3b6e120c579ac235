// Package attach implements acquisition of a write (or read) connection
// with one or more secondary databases ATTACHed for the duration of a
// single call, so statements can join across database files without the
// caller hand-rolling ATTACH/DETACH bookkeeping.
package attach

import (
	"fmt"
	"regexp"

	"github.com/corestore/sqlitecore"
)

// Spec names one database to attach alongside the primary connection.
type Spec struct {
	// SchemaName is the identifier the attached database is addressed by
	// in SQL (ATTACH DATABASE ... AS SchemaName). Must match identifierRe.
	SchemaName string
	// Path is the file path (or sqlitecore in-memory form) of the
	// database to attach.
	Path string
	// ReadOnly marks the attachment as read-only: AcquireWriter takes no
	// writer guard for it, and Acquire rejects a spec without ReadOnly on
	// a reader connection. The ATTACH statement itself carries no
	// read-only flag.
	ReadOnly bool
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks schema-name well-formedness and duplicate detection
// across specs. It does not touch the filesystem or a connection; Acquire
// performs the read-only-conn compatibility check, since that check needs
// to know whether the primary connection itself is a reader.
func Validate(specs []Spec) error {
	seen := make(map[string]struct{}, len(specs))
	paths := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if !identifierRe.MatchString(s.SchemaName) {
			return sqlitecore.NewError(sqlitecore.KindInvalidSchemaName, "validate",
				fmt.Errorf("%w: %q", sqlitecore.ErrInvalidSchemaName, s.SchemaName))
		}
		if _, dup := seen[s.SchemaName]; dup {
			return sqlitecore.NewError(sqlitecore.KindDuplicateAttachedDatabase, "validate",
				fmt.Errorf("%w: schema name %q used more than once", sqlitecore.ErrDuplicateDatabase, s.SchemaName))
		}
		seen[s.SchemaName] = struct{}{}

		if _, dup := paths[s.Path]; dup {
			return sqlitecore.NewError(sqlitecore.KindDuplicateAttachedDatabase, "validate",
				fmt.Errorf("%w: database %q attached more than once", sqlitecore.ErrDuplicateDatabase, s.Path))
		}
		paths[s.Path] = struct{}{}
	}
	return nil
}
