package cdc

import (
	"fmt"
	"strings"
)

// NTriples renders the term in N-Triples syntax.
func (t Term) NTriples() string {
	switch t.Kind {
	case TermIRI:
		return fmt.Sprintf("<%s>", t.Value)
	case TermBlank:
		return "_:" + strings.TrimPrefix(t.Value, "_:")
	}
	lit := fmt.Sprintf("\"%s\"", escapeLiteral(t.Value))
	switch {
	case t.Lang != "":
		return lit + "@" + t.Lang
	case t.Datatype != "":
		return fmt.Sprintf("%s^^<%s>", lit, t.Datatype)
	}
	return lit
}

// NTriples renders the statement as one N-Triples line without the newline.
func (s Statement) NTriples() string {
	return fmt.Sprintf("%s %s %s .", s.Subject.NTriples(), s.Predicate.NTriples(), s.Object.NTriples())
}

func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}
