package cdc

import (
	"time"
)

// Change represents one observed edit of one entity in the recent changes feed.
type Change struct {
	// Title is the page title of the entity, e.g. "Q42" or "Property:P31".
	Title string `json:"title"`
	// RevisionID identifies the content version. A revert may reuse an
	// older revision, so it is not strictly increasing per entity.
	RevisionID int64 `json:"revision_id"`
	// Timestamp is the server-assigned edit time.
	Timestamp time.Time `json:"timestamp"`
	// SequenceID is strictly increasing across the whole feed.
	SequenceID int64 `json:"sequence_id"`
}

// Page is the parsed result of a single feed query.
type Page struct {
	Changes []Change
	// Continue is the opaque continuation token. Empty means the feed is
	// caught up for the queried window.
	Continue string
	// Skipped counts entries dropped because they were malformed.
	Skipped int
}

// HasMore reports whether the server has further results for the window.
func (p *Page) HasMore() bool {
	return p != nil && p.Continue != ""
}

// TermKind distinguishes the node types of an RDF term.
type TermKind int

const (
	// TermIRI is an absolute IRI.
	TermIRI TermKind = iota
	// TermBlank is a blank node.
	TermBlank
	// TermLiteral is a plain, typed or language-tagged literal.
	TermLiteral
)

// Term is one node of a statement.
type Term struct {
	Kind     TermKind `json:"kind"`
	Value    string   `json:"value"`
	Datatype string   `json:"datatype,omitempty"`
	Lang     string   `json:"lang,omitempty"`
}

// IRI builds an IRI term.
func IRI(v string) Term {
	return Term{Kind: TermIRI, Value: v}
}

// Literal builds a plain literal term.
func Literal(v string) Term {
	return Term{Kind: TermLiteral, Value: v}
}

// Statement is a single (subject, predicate, object) triple.
type Statement struct {
	Subject   Term `json:"subject"`
	Predicate Term `json:"predicate"`
	Object    Term `json:"object"`
}

// EntitySnapshot is the full statement set of one entity at fetch time.
type EntitySnapshot struct {
	Title      string
	EntityID   string
	Statements []Statement
	// Deleted marks a tombstone: the entity no longer exists remotely.
	Deleted   bool
	FetchedAt time.Time
}

// Tombstone returns an empty snapshot standing in for a deleted entity.
func Tombstone(title, entityID string) *EntitySnapshot {
	return &EntitySnapshot{Title: title, EntityID: entityID, Deleted: true, FetchedAt: time.Now().UTC()}
}

// BatchItem pairs a change with the snapshot that applies it.
type BatchItem struct {
	Change   Change
	Snapshot EntitySnapshot
}

// Skip records a change whose snapshot could not be fetched.
type Skip struct {
	Change Change
	Reason string
	// Tombstone is set when the entity is gone remotely.
	Tombstone bool
}

// Batch is the unit handed to a sink in one Committing phase. Cursor is
// the position the loop will commit once the sink acknowledges the batch.
type Batch struct {
	ID      string
	Stream  string
	Items   []BatchItem
	Skipped []Skip
	Cursor  Cursor
}

// Len returns the number of changes carried by the batch, skipped included.
func (b *Batch) Len() int {
	return len(b.Items) + len(b.Skipped)
}
