package wikibase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// rcstart takes MediaWiki's compact timestamp format
const rcTimestampFormat = "20060102150405"

// DefaultNamespaces are the content namespaces holding entities: items (0)
// and properties (120).
var DefaultNamespaces = []int{0, 120}

// APIError is an error body returned by the MediaWiki action API.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Info)
}

// Retryable reports whether the server asked us to come back later.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case "maxlag", "ratelimited", "readonly":
		return true
	}
	return strings.HasPrefix(e.Code, "internal_api_error")
}

// PagerConfig configures a RecentChangesPager.
type PagerConfig struct {
	// APIURL is the api.php endpoint, e.g. https://www.wikidata.org/w/api.php
	APIURL string
	// Namespaces whitelists the namespaces holding entities.
	Namespaces []int
	// MaxLag is sent as the maxlag parameter when positive.
	MaxLag int
}

// RecentChangesPager reads list=recentchanges one page at a time.
type RecentChangesPager struct {
	client  *Client
	retrier *icdc.Retrier
	config  PagerConfig
	logger  hclog.Logger
}

// NewRecentChangesPager creates a pager.
func NewRecentChangesPager(client *Client, retrier *icdc.Retrier, cfg PagerConfig, logger hclog.Logger) *RecentChangesPager {
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = DefaultNamespaces
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RecentChangesPager{
		client:  client,
		retrier: retrier,
		config:  cfg,
		logger:  logger.Named("pager"),
	}
}

type recentChangesResponse struct {
	Error    *APIError      `json:"error"`
	Continue map[string]any `json:"continue"`
	Query    *struct {
		RecentChanges []json.RawMessage `json:"recentchanges"`
	} `json:"query"`
}

type recentChange struct {
	NS        *int   `json:"ns"`
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
	RevID     *int64 `json:"revid"`
	RCID      *int64 `json:"rcid"`
}

// FetchPage implements cdc.FeedPager. Transient failures are retried by
// the pager's Retrier; the error returned is always Fatal.
func (p *RecentChangesPager) FetchPage(ctx context.Context, windowStart time.Time, continueToken string, batchSize int) (*cdc.Page, error) {
	if batchSize <= 0 {
		return nil, icdc.NewFatalError(fmt.Errorf("batch size must be positive, got %d", batchSize))
	}

	pageURL, err := p.buildURL(windowStart, continueToken, batchSize)
	if err != nil {
		return nil, icdc.NewFatalError(err)
	}

	var page *cdc.Page
	err = p.retrier.Do(ctx, "recentchanges", func() error {
		body, err := p.client.Get(ctx, pageURL, "application/json")
		if err != nil {
			return err
		}
		page, err = p.parsePage(body)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Fetched page", "changes", len(page.Changes), "skipped", page.Skipped, "hasMore", page.HasMore())
	return page, nil
}

func (p *RecentChangesPager) buildURL(windowStart time.Time, continueToken string, batchSize int) (string, error) {
	u, err := url.Parse(p.config.APIURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", p.config.APIURL, err)
	}

	ns := make([]string, len(p.config.Namespaces))
	for i, n := range p.config.Namespaces {
		ns[i] = strconv.Itoa(n)
	}

	params := u.Query()
	params.Set("action", "query")
	params.Set("list", "recentchanges")
	params.Set("format", "json")
	params.Set("formatversion", "1")
	params.Set("rcdir", "newer")
	params.Set("rcprop", "title|ids|timestamp")
	params.Set("rctype", "edit|new")
	params.Set("rcnamespace", strings.Join(ns, "|"))
	params.Set("rclimit", strconv.Itoa(batchSize))
	if p.config.MaxLag > 0 {
		params.Set("maxlag", strconv.Itoa(p.config.MaxLag))
	}

	if continueToken != "" {
		cont, err := url.ParseQuery(continueToken)
		if err != nil {
			return "", fmt.Errorf("invalid continuation token: %w", err)
		}
		for k, v := range cont {
			params[k] = v
		}
	} else {
		params.Set("rcstart", windowStart.UTC().Format(rcTimestampFormat))
		params.Set("continue", "")
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (p *RecentChangesPager) parsePage(body []byte) (*cdc.Page, error) {
	var resp recentChangesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, icdc.NewRetryableError(fmt.Errorf("decode recentchanges: %w", err))
		}
		return nil, icdc.NewFatalError(fmt.Errorf("decode recentchanges: %w", err))
	}

	if resp.Error != nil {
		if resp.Error.Retryable() {
			return nil, icdc.NewRetryableError(resp.Error)
		}
		return nil, icdc.NewFatalError(resp.Error)
	}
	if resp.Query == nil || resp.Query.RecentChanges == nil {
		return nil, icdc.NewFatalError(errors.New("response is missing query.recentchanges"))
	}

	page := &cdc.Page{
		Changes:  make([]cdc.Change, 0, len(resp.Query.RecentChanges)),
		Continue: encodeContinue(resp.Continue),
	}

	for i, raw := range resp.Query.RecentChanges {
		change, ns, err := parseChange(raw)
		if err != nil {
			page.Skipped++
			p.logger.Warn("Skipping malformed recent change", "index", i, "error", err, "entry", string(raw))
			continue
		}
		if !slices.Contains(p.config.Namespaces, ns) {
			p.logger.Trace("Ignoring change outside entity namespaces", "title", change.Title, "ns", ns)
			continue
		}
		page.Changes = append(page.Changes, change)
	}

	return page, nil
}

func parseChange(raw json.RawMessage) (cdc.Change, int, error) {
	var rc recentChange
	if err := json.Unmarshal(raw, &rc); err != nil {
		return cdc.Change{}, 0, err
	}

	switch {
	case rc.NS == nil:
		return cdc.Change{}, 0, errors.New("missing ns")
	case rc.Title == "":
		return cdc.Change{}, 0, errors.New("missing title")
	case rc.RevID == nil:
		return cdc.Change{}, 0, errors.New("missing revid")
	case rc.RCID == nil:
		return cdc.Change{}, 0, errors.New("missing rcid")
	}

	ts, err := time.Parse(time.RFC3339, rc.Timestamp)
	if err != nil {
		return cdc.Change{}, 0, fmt.Errorf("bad timestamp %q: %w", rc.Timestamp, err)
	}

	return cdc.Change{
		Title:      rc.Title,
		RevisionID: *rc.RevID,
		Timestamp:  ts.UTC(),
		SequenceID: *rc.RCID,
	}, *rc.NS, nil
}

// encodeContinue flattens the API's continue object into an opaque token.
func encodeContinue(cont map[string]any) string {
	if len(cont) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range cont {
		switch t := val.(type) {
		case string:
			v.Set(k, t)
		case float64:
			v.Set(k, strconv.FormatFloat(t, 'f', -1, 64))
		default:
			v.Set(k, fmt.Sprint(t))
		}
	}
	return v.Encode()
}
