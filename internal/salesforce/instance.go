package salesforce

import (
	"context"
	"net/http"
	"strings"
	"time"

	"sfbridge/config"
	"sfbridge/internal/logger"
	"sfbridge/internal/metrics"
	"sfbridge/internal/query"
	"sfbridge/internal/timewindow"
	"sfbridge/pkg/models"
)

// Built-in EventLogFile queries, selected by the configured date_field.
const (
	createdDateQuery = "SELECT Id,EventType,CreatedDate,LogDate,Interval,LogFile,Sequence From EventLogFile Where CreatedDate>={from_timestamp} AND CreatedDate<{to_timestamp} AND Interval='{log_interval_type}'"
	logDateQuery     = "SELECT Id,EventType,CreatedDate,LogDate,Interval,LogFile,Sequence From EventLogFile Where LogDate>={from_timestamp} AND LogDate<{to_timestamp} AND Interval='{log_interval_type}'"
)

// Options bundles the external collaborators for one instance. All fields
// are optional; nil disables the corresponding concern.
type Options struct {
	Store      CredentialStore
	Ledger     DedupLedger
	HTTPClient *http.Client
}

// Instance owns all mutable per-org state: credentials, the sliding query
// window and the dedup collaborators. It is not safe for concurrent use;
// each org gets its own instance.
type Instance struct {
	name               string
	auth               *AuthManager
	client             *Client
	processor          *Processor
	window             *timewindow.Tracker
	queries            []query.Query
	generationInterval string
}

// NewInstance builds an instance from config. Missing required fields
// return a ConfigError.
func NewInstance(cfg config.InstanceConfig, opts Options) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	authData, err := cfg.ResolveAuth()
	if err != nil {
		return nil, err
	}
	tokenURL, err := cfg.ResolveTokenURL()
	if err != nil {
		return nil, err
	}

	auth := NewAuthManager(cfg.Name, tokenURL, authData, opts.Store, opts.HTTPClient)
	client := NewClient(cfg.Name, auth, cfg.APIVer, opts.HTTPClient)

	queries := query.FromConfig(cfg.Queries)
	if len(queries) == 0 {
		template := createdDateQuery
		if strings.EqualFold(cfg.DateField, "logdate") {
			template = logDateQuery
		}
		queries = []query.Query{{Template: template}}
	}

	return &Instance{
		name:               cfg.Name,
		auth:               auth,
		client:             client,
		processor:          NewProcessor(cfg.Name, client, auth, opts.Ledger, cfg.EventTypeFields),
		window:             timewindow.NewTracker(cfg.TimeLagMinutes, cfg.InitialDelayMinutes),
		queries:            queries,
		generationInterval: cfg.GenerationInterval,
	}, nil
}

// Name returns the configured instance name.
func (s *Instance) Name() string {
	return s.name
}

// Authenticate obtains credentials for the instance (see AuthManager).
func (s *Instance) Authenticate(ctx context.Context) (bool, error) {
	return s.auth.Authenticate(ctx)
}

// FetchLogs runs one full cycle: render and execute every configured
// query over the current window, normalize the results, and advance the
// window only once everything succeeded. A failed cycle leaves the window
// untouched so the next cycle re-observes the same range.
func (s *Instance) FetchLogs(ctx context.Context) ([]models.LogBatch, error) {
	start := time.Now()
	from, to := s.window.Bounds()

	var batches []models.LogBatch
	for _, q := range s.queries {
		rendered := q.Render(from, to, s.generationInterval)
		logger.Infof("[%s] running query %s", s.name, rendered.SOQL)

		resp, err := s.client.ExecuteQuery(ctx, rendered)
		if err != nil {
			metrics.CyclesTotal.WithLabelValues(s.name, "failed").Inc()
			return nil, err
		}
		part, err := s.processor.Process(ctx, resp, rendered.Env)
		if err != nil {
			metrics.CyclesTotal.WithLabelValues(s.name, "failed").Inc()
			return nil, err
		}
		batches = append(batches, part...)
	}

	s.window.Advance(to)
	metrics.CyclesTotal.WithLabelValues(s.name, "ok").Inc()
	metrics.CycleDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	return batches, nil
}
