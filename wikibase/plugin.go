package wikibase

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-wikibase/internal/config"
)

// Plugin is the embeddable entry point for hosts that hand over their
// configuration block as a google.protobuf.Struct.
type Plugin struct{}

// Start receives the entire HCL `config { … }` block as google.protobuf.Struct
// and runs the ingester until ctx is done.
func (p *Plugin) Start(ctx context.Context, cfg *structpb.Struct) error {
	log := GetLogger()
	log.Info("Wikibase plugin starting execution")

	ingesterConfig, err := config.FromMap(cfg.AsMap())
	if err != nil {
		return err
	}
	log.Debug("Wikibase plugin received configuration", "stream", ingesterConfig.Stream, "api", ingesterConfig.APIURL)

	return NewIngester(ingesterConfig, log).Start(ctx)
}

// Field types advertised by GetSchema
const (
	FieldTypeString   = "string"
	FieldTypeNumber   = "number"
	FieldTypeDuration = "duration"
	FieldTypeList     = "list"
	FieldTypeObject   = "object"
)

// FieldSchema describes one configuration field.
type FieldSchema struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Fields      []*FieldSchema `json:"fields,omitempty"`
}

// GetSchema advertises hierarchical fields so a host can validate or prompt.
func (p *Plugin) GetSchema(ctx context.Context) ([]*FieldSchema, error) {
	return []*FieldSchema{
		{Name: "stream", Type: FieldTypeString, Description: "Stream name, keys the committed cursor and the lock"},
		{Name: "api_url", Type: FieldTypeString, Description: "MediaWiki api.php endpoint"},
		{Name: "entity_data_url", Type: FieldTypeString, Description: "Special:EntityData base URL"},
		{Name: "user_agent", Type: FieldTypeString},
		{Name: "namespaces", Type: FieldTypeList, Description: "Entity namespaces to capture"},
		{Name: "batch_size", Type: FieldTypeNumber},
		{Name: "max_batch_size", Type: FieldTypeNumber},
		{Name: "poll_interval", Type: FieldTypeDuration},
		{Name: "max_poll_interval", Type: FieldTypeDuration},
		{Name: "window_margin", Type: FieldTypeDuration},
		{Name: "start_time", Type: FieldTypeString, Description: "RFC3339 position of a new stream"},
		{Name: "max_pages_per_cycle", Type: FieldTypeNumber},
		{Name: "fetch_workers", Type: FieldTypeNumber},
		{Name: "request_timeout", Type: FieldTypeDuration},
		{Name: "requests_per_second", Type: FieldTypeNumber},
		{Name: "maxlag", Type: FieldTypeNumber},
		// ── nested blocks (object type) ───────────────────────────────────
		{
			Name:        "retry",
			Type:        FieldTypeObject,
			Description: "Retry and retry budget tuning",
			Fields: []*FieldSchema{
				{Name: "attempts", Type: FieldTypeNumber},
				{Name: "delay", Type: FieldTypeDuration},
				{Name: "max_delay", Type: FieldTypeDuration},
				{Name: "budget", Type: FieldTypeNumber},
			},
		},
		{
			Name:        "checkpoint",
			Type:        FieldTypeObject,
			Description: "Where the committed cursor is stored",
			Fields: []*FieldSchema{
				{Name: "driver", Type: FieldTypeString, Required: true},
				{Name: "dsn", Type: FieldTypeString, Required: true},
				{Name: "table", Type: FieldTypeString},
			},
		},
		{
			Name:        "lock",
			Type:        FieldTypeObject,
			Description: "Distributed-lock configuration",
			Fields: []*FieldSchema{
				{Name: "type", Type: FieldTypeString, Required: true},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "container_name", Type: FieldTypeString},
			},
		},
		{
			Name:        "sink",
			Type:        FieldTypeObject,
			Description: "Settings for publishing change batches downstream",
			Fields: []*FieldSchema{
				{Name: "type", Type: FieldTypeString, Required: true},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "queue", Type: FieldTypeString},
				{Name: "subject", Type: FieldTypeString},
				{Name: "url", Type: FieldTypeString},
				{Name: "plugin_path", Type: FieldTypeString},
				{Name: "max_message_size", Type: FieldTypeNumber},
			},
		},
		{
			Name:   "metrics",
			Type:   FieldTypeObject,
			Fields: []*FieldSchema{{Name: "listen", Type: FieldTypeString}},
		},
	}, nil
}
