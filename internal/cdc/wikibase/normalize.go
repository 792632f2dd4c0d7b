package wikibase

import (
	"strings"

	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// CanonicalOntology is the only ontology prefix downstream stores index.
const CanonicalOntology = "http://wikiba.se/ontology#"

// Ontology prefixes older Wikibase versions still emit.
var deprecatedOntologies = []string{
	"http://www.wikidata.org/ontology-beta#",
	"http://www.wikidata.org/ontology-0.0.1#",
	"http://www.wikidata.org/ontology#",
	"http://wikiba.se/ontology-beta#",
}

// NormalizeIRI rewrites a deprecated ontology prefix to the canonical one.
// Other IRIs are returned unchanged.
func NormalizeIRI(iri string) string {
	for _, prefix := range deprecatedOntologies {
		if strings.HasPrefix(iri, prefix) {
			return CanonicalOntology + iri[len(prefix):]
		}
	}
	return iri
}

// NormalizeTerm rewrites IRIs and literal datatypes.
func NormalizeTerm(t cdc.Term) cdc.Term {
	switch t.Kind {
	case cdc.TermIRI:
		t.Value = NormalizeIRI(t.Value)
	case cdc.TermLiteral:
		if t.Datatype != "" {
			t.Datatype = NormalizeIRI(t.Datatype)
		}
	}
	return t
}

// NormalizeStatements rewrites every statement and drops duplicates that
// only differed by ontology prefix. Order of first occurrence is kept.
func NormalizeStatements(statements []cdc.Statement) []cdc.Statement {
	out := make([]cdc.Statement, 0, len(statements))
	seen := make(map[cdc.Statement]struct{}, len(statements))
	for _, st := range statements {
		st = cdc.Statement{
			Subject:   NormalizeTerm(st.Subject),
			Predicate: NormalizeTerm(st.Predicate),
			Object:    NormalizeTerm(st.Object),
		}
		if _, dup := seen[st]; dup {
			continue
		}
		seen[st] = struct{}{}
		out = append(out, st)
	}
	return out
}
