package salesforce

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"sfbridge/internal/logger"
	"sfbridge/internal/metrics"
	"sfbridge/internal/query"
	"sfbridge/pkg/models"
)

// ChunkSize bounds the number of entries per outbound batch.
const ChunkSize = 1000

const (
	eventTimestampLayout = "2006-01-02T15:04:05.000-0700"
	// Real files carry one to six fractional digits, so the fraction must
	// stay optional in the layout.
	csvTimestampLayout = "20060102150405.999999"
)

// DedupLedger tracks delivered record ids, fully processed files and
// per-file row content hashes. All methods may be called across cycles.
type DedupLedger interface {
	CheckCachedID(id string) (bool, error)
	CanSkipDownloadingFile(fileID string) (bool, error)
	MarkFileDone(fileID string) error
	RetrieveCachedRowHashes(fileID string) (map[string]struct{}, error)
	RecordOrSkipRow(fileID string, row map[string]string, cached map[string]struct{}) (bool, error)
}

// Processor normalizes SOQL responses into log entry batches. A nil
// ledger disables deduplication.
type Processor struct {
	instanceName    string
	client          *Client
	auth            *AuthManager
	ledger          DedupLedger
	eventTypeFields map[string][]string
	chunkSize       int
	now             func() time.Time
}

// NewProcessor creates a processor for one instance. eventTypeFields maps
// a resolved event type to the CSV field allow-list kept for its rows.
func NewProcessor(instanceName string, client *Client, auth *AuthManager, ledger DedupLedger, eventTypeFields map[string][]string) *Processor {
	return &Processor{
		instanceName:    instanceName,
		client:          client,
		auth:            auth,
		ledger:          ledger,
		eventTypeFields: eventTypeFields,
		chunkSize:       ChunkSize,
		now:             time.Now,
	}
}

// Process routes a query response down the inline-event or log-file path
// and returns the produced batches.
func (p *Processor) Process(ctx context.Context, resp *QueryResponse, env query.Env) ([]models.LogBatch, error) {
	if resp.IsLogFileResponse() {
		var batches []models.LogBatch
		for _, rec := range resp.Records {
			if _, ok := rec["LogFile"]; !ok {
				continue
			}
			part, err := p.buildFromLogFile(ctx, decodeEventLogFile(rec), env)
			if err != nil {
				return nil, err
			}
			batches = append(batches, part...)
		}
		return batches, nil
	}
	return p.buildFromEvents(resp.Records, env)
}

// buildFromEvents normalizes inline-event records into batches.
func (p *Processor) buildFromEvents(records []map[string]any, env query.Env) ([]models.LogBatch, error) {
	metrics.RecordsFetched.WithLabelValues(p.instanceName, "event").Add(float64(len(records)))

	var batches []models.LogBatch
	for _, chunk := range chunkRows(records, p.chunkSize) {
		batch, err := p.packEvents(chunk, env)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (p *Processor) packEvents(rows []map[string]any, env query.Env) (models.LogBatch, error) {
	entries := make([]models.LogEntry, 0, len(rows))
	for _, row := range rows {
		recordID, err := p.deriveRecordID(row, env.ID)
		if err != nil {
			return models.LogBatch{}, err
		}
		if recordID != "" && p.ledger != nil {
			seen, err := p.ledger.CheckCachedID(recordID)
			if err != nil {
				return models.LogBatch{}, fmt.Errorf("check cached id: %w", err)
			}
			if seen {
				metrics.RowsDeduped.WithLabelValues(p.instanceName, "id").Inc()
				continue
			}
		}

		tsAttr := env.TimestampAttrOrDefault()
		createdDate := ""
		var timestamp int64
		if v, ok := row[tsAttr].(string); ok {
			t, err := time.Parse(eventTimestampLayout, v)
			if err != nil {
				return models.LogBatch{}, fmt.Errorf("parse %s %q: %w", tsAttr, v, err)
			}
			createdDate = v
			timestamp = t.UnixMilli()
		} else {
			timestamp = p.now().UnixMilli()
		}

		message := env.EventType
		if message == "" {
			message = "SFEvent"
		}
		if attrs, ok := row["attributes"].(map[string]any); ok {
			delete(row, "attributes")
			if typeName, ok := attrs["type"].(string); ok {
				eventType := env.EventType
				if eventType == "" {
					eventType = typeName
				}
				message = eventType
				row["EVENT_TYPE"] = eventType
			}
		}
		if createdDate != "" {
			message = message + " " + createdDate
		}

		tsField := env.RenameTimestampOrDefault()
		row[tsField] = timestamp

		entry := models.LogEntry{Message: message, Attributes: row}
		if tsField == "timestamp" {
			entry.Timestamp = timestamp
		}
		entries = append(entries, entry)
	}
	metrics.EntriesEmitted.WithLabelValues(p.instanceName).Add(float64(len(entries)))
	return models.LogBatch{LogEntries: entries}, nil
}

// deriveRecordID returns the row's dedup id: the explicit Id when present,
// otherwise a SHA3-256 digest over the configured id fields concatenated
// in order. The derived id is stamped back onto the row so later checks
// stay consistent. An empty id list yields no id and no dedup.
func (p *Processor) deriveRecordID(row map[string]any, idFields []string) (string, error) {
	if _, ok := row["Id"]; ok {
		return recString(row, "Id"), nil
	}
	if len(idFields) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, field := range idFields {
		v, ok := row[field]
		if !ok {
			logger.Errorf("[%s] error building compound id, key %q not found", p.instanceName, field)
			return "", &CompoundKeyError{Field: field}
		}
		sb.WriteString(fmt.Sprintf("%v", v))
	}
	if sb.Len() == 0 {
		return "", nil
	}

	sum := sha3.Sum256([]byte(sb.String()))
	id := hex.EncodeToString(sum[:])
	row["Id"] = id
	return id, nil
}

// buildFromLogFile downloads, dedups and normalizes one EventLogFile
// record. Download failures are logged and abandon just this record;
// ledger, credential-store and reauth transport failures abort the cycle.
func (p *Processor) buildFromLogFile(ctx context.Context, rec models.EventLogFile, env query.Env) ([]models.LogBatch, error) {
	metrics.RecordsFetched.WithLabelValues(p.instanceName, "logfile").Inc()

	recordEventType := env.EventType
	if recordEventType == "" {
		recordEventType = rec.EventType
	}

	// Hourly files are immutable once generated; Daily files can still
	// change, so they are never skipped at file granularity.
	if rec.Interval == "Hourly" && p.ledger != nil {
		skip, err := p.ledger.CanSkipDownloadingFile(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("dedup check for file %s: %w", rec.ID, err)
		}
		if skip {
			logger.Infof("[%s] record %s already cached, skip downloading CSV", p.instanceName, rec.ID)
			metrics.DownloadsTotal.WithLabelValues(p.instanceName, "skipped").Inc()
			return nil, nil
		}
	}

	cached := map[string]struct{}{}
	if p.ledger != nil {
		var err error
		cached, err = p.ledger.RetrieveCachedRowHashes(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve cached rows for file %s: %w", rec.ID, err)
		}
	}

	body, ok, err := p.downloadWithReauth(ctx, rec.LogFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	metrics.DownloadsTotal.WithLabelValues(p.instanceName, "ok").Inc()

	rows, err := p.parseCSV(body, rec.ID, cached)
	if err != nil {
		return nil, fmt.Errorf("parse CSV for file %s: %w", rec.ID, err)
	}
	logger.Infof("[%s] CSV rows = %d", p.instanceName, len(rows))

	var batches []models.LogBatch
	rowOffset := 0
	for _, chunk := range chunkRows(rows, p.chunkSize) {
		batch, err := p.packCSV(rec, recordEventType, rowOffset, chunk, env)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
		rowOffset += len(chunk)
	}

	if rec.Interval == "Hourly" && p.ledger != nil {
		if err := p.ledger.MarkFileDone(rec.ID); err != nil {
			logger.Errorf("[%s] marking file %s done failed: %v", p.instanceName, rec.ID, err)
		}
	}
	return batches, nil
}

// downloadWithReauth fetches the CSV, reauthenticating at most once on a
// 401. The second return value is false when the record is abandoned; the
// error is only non-nil for failures fatal to the cycle: a credential
// store failure or a transport failure during reauthentication.
func (p *Processor) downloadWithReauth(ctx context.Context, filePath string) ([]byte, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		body, err := p.client.DownloadLogFile(ctx, filePath)
		if err == nil {
			return body, true, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && attempt == 0 {
			logger.Errorf("[%s] invalid token while downloading CSV file, retry auth and download", p.instanceName)
			metrics.ReauthRetries.WithLabelValues(p.instanceName).Inc()
			if err := p.auth.ClearAuth(); err != nil {
				return nil, false, fmt.Errorf("clear credentials before reauth: %w", err)
			}
			ok, err := p.auth.Authenticate(ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				metrics.DownloadsTotal.WithLabelValues(p.instanceName, "failed").Inc()
				return nil, false, nil
			}
			continue
		}

		logger.Errorf("[%s] event log file %q download failed: %v", p.instanceName, filePath, err)
		metrics.DownloadsTotal.WithLabelValues(p.instanceName, "failed").Inc()
		return nil, false, nil
	}
	return nil, false, nil
}

// parseCSV decodes the download body into header-keyed rows, dropping
// rows the ledger has already delivered for this file.
func (p *Processor) parseCSV(data []byte, fileID string, cached map[string]struct{}) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	// Ragged rows show up in real files; extra fields are dropped and
	// missing ones stay absent from the row map.
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []map[string]string
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(fields) {
				row[name] = fields[i]
			}
		}

		if p.ledger != nil {
			skip, err := p.ledger.RecordOrSkipRow(fileID, row, cached)
			if err != nil {
				return nil, fmt.Errorf("dedup row: %w", err)
			}
			if skip {
				metrics.RowsDeduped.WithLabelValues(p.instanceName, "row").Inc()
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// packCSV normalizes one chunk of CSV rows into a batch. rowOffset is the
// number of rows already emitted for this file, so entry messages carry
// the absolute row index.
func (p *Processor) packCSV(rec models.EventLogFile, recordEventType string, rowOffset int, rows []map[string]string, env query.Env) (models.LogBatch, error) {
	entries := make([]models.LogEntry, 0, len(rows))
	for i, row := range rows {
		attrs := make(map[string]any, len(row)+3)
		if fields, ok := p.eventTypeFields[recordEventType]; ok {
			for _, field := range fields {
				if v, ok := row[field]; ok {
					attrs[field] = v
				}
			}
		} else {
			for k, v := range row {
				attrs[k] = v
			}
		}

		// CSV timestamps are second resolution by design; the inline
		// event path keeps milliseconds.
		var timestamp int64
		if v := row["TIMESTAMP"]; v != "" {
			t, err := time.ParseInLocation(csvTimestampLayout, v, time.UTC)
			if err != nil {
				return models.LogBatch{}, fmt.Errorf("parse TIMESTAMP %q: %w", v, err)
			}
			timestamp = t.Truncate(time.Second).Unix()
		} else {
			timestamp = p.now().UTC().Truncate(time.Second).Unix()
		}

		attrs["LogFileId"] = rec.ID
		delete(attrs, "TIMESTAMP")

		actualEventType := "SFEvent"
		if v, ok := attrs["EVENT_TYPE"].(string); ok && v != "" {
			actualEventType = v
		}
		newEventType := env.EventType
		if newEventType == "" {
			newEventType = actualEventType
		}
		attrs["EVENT_TYPE"] = newEventType

		tsField := env.RenameTimestampOrDefault()
		attrs[tsField] = timestamp

		entry := models.LogEntry{
			Message:    fmt.Sprintf("LogFile %s row %d", rec.ID, rowOffset+i),
			Attributes: attrs,
		}
		if tsField == "timestamp" {
			entry.Timestamp = timestamp
		}
		entries = append(entries, entry)
	}
	metrics.EntriesEmitted.WithLabelValues(p.instanceName).Add(float64(len(entries)))

	return models.LogBatch{
		LogType:     recordEventType,
		ID:          rec.ID,
		CreatedDate: rec.CreatedDate,
		LogDate:     rec.LogDate,
		LogEntries:  entries,
	}, nil
}

// chunkRows splits rows into consecutive slices of at most size elements,
// preserving source order.
func chunkRows[T any](rows []T, size int) [][]T {
	if size <= 0 {
		size = ChunkSize
	}
	var chunks [][]T
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end:end])
	}
	return chunks
}
