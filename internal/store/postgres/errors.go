package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// invalidTextRepresentation is raised when a parameter does not parse as
// the column type, e.g. a malformed UUID.
const invalidTextRepresentation = "22P02"

// malformedID reports whether err means the id could not name any row.
func malformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern returns an ILIKE pattern matching s anywhere.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
