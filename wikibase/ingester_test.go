package wikibase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-wikibase/internal/config"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

const feedBody = `{"batchcomplete": "", "query": {"recentchanges": [
	{"type": "edit", "ns": 0, "title": "Q1", "revid": 11, "rcid": 101, "timestamp": "2024-05-01T10:00:01Z"},
	{"type": "edit", "ns": 0, "title": "Q2", "revid": 12, "rcid": 102, "timestamp": "2024-05-01T10:00:02Z"}
]}}`

const q1Turtle = `@prefix wd: <http://www.wikidata.org/entity/> .
@prefix schema: <http://schema.org/> .
wd:Q1 schema:name "universe"@en .
`

type fakeWiki struct {
	feedRequests   atomic.Int32
	entityRequests atomic.Int32
}

func (f *fakeWiki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/w/api.php":
		f.feedRequests.Add(1)
		fmt.Fprint(w, feedBody)
	case "/wiki/Special:EntityData/Q1.ttl":
		f.entityRequests.Add(1)
		fmt.Fprint(w, q1Turtle)
	default:
		f.entityRequests.Add(1)
		http.NotFound(w, r)
	}
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg, err := config.FromMap(map[string]interface{}{
		"stream":              "test",
		"api_url":             apiURL,
		"start_time":          "2024-05-01T10:00:00Z",
		"poll_interval":       "10ms",
		"max_poll_interval":   "20ms",
		"requests_per_second": float64(1000),
		"retry": map[string]interface{}{
			"attempts":  float64(2),
			"delay":     "1ms",
			"max_delay": "2ms",
		},
		"checkpoint": map[string]interface{}{
			"driver": "sqlite",
			"dsn":    filepath.Join(t.TempDir(), "cursor.db"),
		},
	})
	require.NoError(t, err)
	return cfg
}

func TestIngesterCommitsCursor(t *testing.T) {
	wiki := &fakeWiki{}
	srv := httptest.NewServer(wiki)
	defer srv.Close()

	ing := NewIngester(testConfig(t, srv.URL+"/w/api.php"), hclog.NewNullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ing.Start(ctx)
	}()

	// The second feed request is only made after the first cycle committed.
	require.Eventually(t, func() bool {
		return wiki.feedRequests.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingester did not stop")
	}

	assert.Equal(t, int32(2), wiki.entityRequests.Load(), "covered changes are not fetched again")

	status, err := ing.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", status.Stream)
	assert.Equal(t, int64(102), status.Cursor.SequenceID)
	assert.True(t, status.Cursor.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC)))
	assert.False(t, status.Locked)
}

func TestIngesterResetCursor(t *testing.T) {
	ing := NewIngester(testConfig(t, "https://www.wikidata.org/w/api.php"), nil)
	ctx := context.Background()

	status, err := ing.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Cursor.IsZero())

	to := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ing.ResetCursor(ctx, cdc.NewCursor(to, 5)))

	status, err = ing.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.Cursor.SequenceID)
	assert.True(t, status.Cursor.Timestamp.Equal(to))
}

func TestPluginStartRejectsInvalidConfig(t *testing.T) {
	cfg, err := structpb.NewStruct(map[string]interface{}{
		"sink": map[string]interface{}{"type": "kafka"},
	})
	require.NoError(t, err)

	err = (&Plugin{}).Start(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported sink type")
}

func TestGetSchema(t *testing.T) {
	fields, err := (&Plugin{}).GetSchema(context.Background())
	require.NoError(t, err)

	seen := map[string]*FieldSchema{}
	for _, f := range fields {
		assert.NotContains(t, seen, f.Name)
		seen[f.Name] = f
	}
	require.Contains(t, seen, "checkpoint")
	assert.Equal(t, FieldTypeObject, seen["checkpoint"].Type)
	assert.True(t, seen["checkpoint"].Fields[0].Required)
	assert.Contains(t, seen, "api_url")
}
