package wikibase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/knakk/rdf"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

const xsdString = "http://www.w3.org/2001/XMLSchema#string"

// EntityFetcherConfig configures an EntityDataFetcher.
type EntityFetcherConfig struct {
	// EntityDataURL is the Special:EntityData base, e.g.
	// https://www.wikidata.org/wiki/Special:EntityData/
	EntityDataURL string
}

// EntityDataFetcher downloads the Turtle dump of an entity and normalizes it.
type EntityDataFetcher struct {
	client  *Client
	retrier *icdc.Retrier
	config  EntityFetcherConfig
	logger  hclog.Logger
	now     func() time.Time
}

// NewEntityDataFetcher creates a fetcher.
func NewEntityDataFetcher(client *Client, retrier *icdc.Retrier, cfg EntityFetcherConfig, logger hclog.Logger) *EntityDataFetcher {
	if !strings.HasSuffix(cfg.EntityDataURL, "/") {
		cfg.EntityDataURL += "/"
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EntityDataFetcher{
		client:  client,
		retrier: retrier,
		config:  cfg,
		logger:  logger.Named("entity"),
		now:     time.Now,
	}
}

// EntityIDFromTitle strips the namespace from a page title:
// "Property:P31" becomes "P31", "Q42" stays "Q42".
func EntityIDFromTitle(title string) string {
	if i := strings.LastIndexByte(title, ':'); i >= 0 {
		return title[i+1:]
	}
	return title
}

// Fetch implements cdc.SnapshotFetcher. A missing entity yields an error
// wrapping icdc.ErrEntityNotFound.
func (f *EntityDataFetcher) Fetch(ctx context.Context, title string) (*cdc.EntitySnapshot, error) {
	id := EntityIDFromTitle(title)
	if id == "" {
		return nil, icdc.NewFatalError(fmt.Errorf("no entity id in title %q", title))
	}

	entityURL := fmt.Sprintf("%s%s.ttl?flavor=dump&nocache=%s",
		f.config.EntityDataURL, url.PathEscape(id), strconv.FormatInt(f.now().UnixNano(), 10))

	var statements []cdc.Statement
	err := f.retrier.Do(ctx, "entitydata", func() error {
		body, err := f.client.Get(ctx, entityURL, "text/turtle")
		if err != nil {
			var status *icdc.StatusError
			if errors.As(err, &status) && (status.StatusCode == http.StatusNotFound || status.StatusCode == http.StatusGone) {
				return fmt.Errorf("%s: %w", id, icdc.ErrEntityNotFound)
			}
			return err
		}
		statements, err = decodeTurtle(body)
		if err != nil {
			// A 200 with an undecodable body is almost always a truncated transfer.
			return icdc.NewRetryableError(fmt.Errorf("decode %s: %w", id, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	statements = NormalizeStatements(statements)
	f.logger.Trace("Fetched entity", "title", title, "statements", len(statements))

	return &cdc.EntitySnapshot{
		Title:      title,
		EntityID:   id,
		Statements: statements,
		FetchedAt:  f.now().UTC(),
	}, nil
}

func decodeTurtle(body []byte) ([]cdc.Statement, error) {
	dec := rdf.NewTripleDecoder(bytes.NewReader(body), rdf.Turtle)

	var out []cdc.Statement
	for {
		triple, err := dec.Decode()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cdc.Statement{
			Subject:   convertTerm(triple.Subj),
			Predicate: convertTerm(triple.Pred),
			Object:    convertTerm(triple.Obj),
		})
	}
}

func convertTerm(t rdf.Term) cdc.Term {
	switch v := t.(type) {
	case rdf.IRI:
		return cdc.IRI(v.String())
	case rdf.Blank:
		return cdc.Term{Kind: cdc.TermBlank, Value: strings.TrimPrefix(v.String(), "_:")}
	case rdf.Literal:
		term := cdc.Literal(v.String())
		if lang := v.Lang(); lang != "" {
			term.Lang = lang
		} else if dt := v.DataType.String(); dt != xsdString {
			term.Datatype = dt
		}
		return term
	}
	return cdc.Literal(t.String())
}
