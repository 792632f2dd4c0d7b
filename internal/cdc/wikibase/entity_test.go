package wikibase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

const q42Turtle = `@prefix wd: <http://www.wikidata.org/entity/> .
@prefix wikibase: <http://www.wikidata.org/ontology-beta#> .
@prefix rdfs: <http://www.w3.org/2000/01/rdf-schema#> .
@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .

wd:Q42 <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> wikibase:Item .
wd:Q42 rdfs:label "Douglas Adams"@en .
wd:Q42 wikibase:statements "5"^^xsd:integer .
wd:Q42 <http://www.wikidata.org/ontology#rank> <http://www.wikidata.org/ontology-0.0.1#NormalRank> .
wd:Q42 <http://wikiba.se/ontology-beta#sitelinks> "3"^^<http://www.wikidata.org/ontology#count> .
wd:Q42 <http://schema.org/name> "Douglas Adams" .
`

var deprecated = []string{
	"http://www.wikidata.org/ontology-beta#",
	"http://www.wikidata.org/ontology-0.0.1#",
	"http://www.wikidata.org/ontology#",
	"http://wikiba.se/ontology-beta#",
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *EntityDataFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{}, nil)
	return NewEntityDataFetcher(client, testRetrier(3), EntityFetcherConfig{EntityDataURL: srv.URL + "/wiki/Special:EntityData"}, nil)
}

func TestFetchNormalizesOntology(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/turtle")
		fmt.Fprint(w, q42Turtle)
	})

	snap, err := fetcher.Fetch(context.Background(), "Q42")
	require.NoError(t, err)
	assert.Equal(t, "Q42", snap.EntityID)
	assert.False(t, snap.Deleted)
	require.Len(t, snap.Statements, 6)

	canonical := 0
	for _, st := range snap.Statements {
		for _, term := range []cdc.Term{st.Subject, st.Predicate, st.Object} {
			for _, prefix := range deprecated {
				assert.False(t, strings.HasPrefix(term.Value, prefix), "deprecated prefix in %s", st.NTriples())
				assert.False(t, strings.HasPrefix(term.Datatype, prefix), "deprecated datatype in %s", st.NTriples())
			}
			if strings.HasPrefix(term.Value, CanonicalOntology) || strings.HasPrefix(term.Datatype, CanonicalOntology) {
				canonical++
			}
		}
	}
	assert.GreaterOrEqual(t, canonical, 4)

	assert.Contains(t, snap.Statements, cdc.Statement{
		Subject:   cdc.IRI("http://www.wikidata.org/entity/Q42"),
		Predicate: cdc.IRI("http://www.w3.org/2000/01/rdf-schema#label"),
		Object:    cdc.Term{Kind: cdc.TermLiteral, Value: "Douglas Adams", Lang: "en"},
	})
	assert.Contains(t, snap.Statements, cdc.Statement{
		Subject:   cdc.IRI("http://www.wikidata.org/entity/Q42"),
		Predicate: cdc.IRI("http://schema.org/name"),
		Object:    cdc.Literal("Douglas Adams"),
	}, "foreign namespaces and plain strings pass through")
}

func TestFetchIsIdempotent(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, q42Turtle)
	})

	first, err := fetcher.Fetch(context.Background(), "Q42")
	require.NoError(t, err)
	second, err := fetcher.Fetch(context.Background(), "Q42")
	require.NoError(t, err)

	assert.ElementsMatch(t, first.Statements, second.Statements)
	assert.Equal(t, first.Statements, NormalizeStatements(first.Statements))
}

func TestFetchRequestShape(t *testing.T) {
	var path, flavor, nocache string
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		flavor = r.URL.Query().Get("flavor")
		nocache = r.URL.Query().Get("nocache")
		fmt.Fprint(w, `<http://www.wikidata.org/entity/P31> <http://schema.org/name> "instance of" .`)
	})

	snap, err := fetcher.Fetch(context.Background(), "Property:P31")
	require.NoError(t, err)
	assert.Equal(t, "/wiki/Special:EntityData/P31.ttl", path)
	assert.Equal(t, "dump", flavor)
	assert.NotEmpty(t, nocache)
	assert.Equal(t, "P31", snap.EntityID)
	assert.Equal(t, "Property:P31", snap.Title)
}

func TestFetchMissingEntity(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var requests atomic.Int32
			fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(status)
			})

			_, err := fetcher.Fetch(context.Background(), "Q404")
			require.Error(t, err)
			assert.ErrorIs(t, err, icdc.ErrEntityNotFound)
			assert.True(t, icdc.IsFatal(err))
			assert.Equal(t, int32(1), requests.Load())
		})
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, q42Turtle)
	})

	snap, err := fetcher.Fetch(context.Background(), "Q42")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Statements)
	assert.Equal(t, int32(2), requests.Load())
}

func TestFetchGivesUpOnGarbage(t *testing.T) {
	var requests atomic.Int32
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `<http://www.wikidata.org/entity/Q1> <http://schema.org/name> "unterminated`)
	})

	_, err := fetcher.Fetch(context.Background(), "Q1")
	require.Error(t, err)
	assert.True(t, icdc.IsFatal(err))
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == "/exact" {
			fmt.Fprint(w, strings.Repeat("x", 40))
			return
		}
		fmt.Fprint(w, q42Turtle)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{MaxBytes: 40}, nil)
	fetcher := NewEntityDataFetcher(client, testRetrier(3), EntityFetcherConfig{EntityDataURL: srv.URL + "/wiki/Special:EntityData"}, nil)

	_, err := fetcher.Fetch(context.Background(), "Q42")
	require.Error(t, err)
	assert.True(t, icdc.IsFatal(err))
	assert.ErrorContains(t, err, "exceeds 40 bytes")
	assert.Equal(t, int32(1), requests.Load(), "an oversized body is not retried")

	body, err := client.Get(context.Background(), srv.URL+"/exact", "")
	require.NoError(t, err)
	assert.Len(t, body, 40)
}

func TestEntityIDFromTitle(t *testing.T) {
	tests := map[string]string{
		"Q42":          "Q42",
		"Property:P31": "P31",
		"Lexeme:L1":    "L1",
		"Item:Q1":      "Q1",
	}
	for title, want := range tests {
		assert.Equal(t, want, EntityIDFromTitle(title), title)
	}
}

func TestNormalizeIRI(t *testing.T) {
	for _, prefix := range deprecated {
		assert.Equal(t, CanonicalOntology+"Item", NormalizeIRI(prefix+"Item"))
	}
	assert.Equal(t, CanonicalOntology+"Item", NormalizeIRI(CanonicalOntology+"Item"))
	assert.Equal(t, "http://schema.org/about", NormalizeIRI("http://schema.org/about"))
}

func TestNormalizeStatementsMergesDuplicates(t *testing.T) {
	s := cdc.IRI("http://www.wikidata.org/entity/Q1")
	in := []cdc.Statement{
		{Subject: s, Predicate: cdc.IRI("http://www.wikidata.org/ontology#rank"), Object: cdc.Literal("a")},
		{Subject: s, Predicate: cdc.IRI("http://wikiba.se/ontology#rank"), Object: cdc.Literal("a")},
		{Subject: s, Predicate: cdc.IRI("http://schema.org/name"), Object: cdc.Term{Kind: cdc.TermLiteral, Value: "1", Datatype: "http://www.wikidata.org/ontology-beta#count"}},
	}

	out := NormalizeStatements(in)
	require.Len(t, out, 2)
	assert.Equal(t, CanonicalOntology+"rank", out[0].Predicate.Value)
	assert.Equal(t, CanonicalOntology+"count", out[1].Object.Datatype)
}

func TestFetchUsesInjectedClock(t *testing.T) {
	var nocache string
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		nocache = r.URL.Query().Get("nocache")
		fmt.Fprint(w, q42Turtle)
	})
	fixed := time.Unix(0, 1234)
	fetcher.now = func() time.Time { return fixed }

	snap, err := fetcher.Fetch(context.Background(), "Q42")
	require.NoError(t, err)
	assert.Equal(t, "1234", nocache)
	assert.Equal(t, fixed.UTC(), snap.FetchedAt)
}
