package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sfbridge/internal/logger"
	"sfbridge/internal/query"
	"sfbridge/pkg/models"
)

// QueryResponse is a decoded SOQL query response.
type QueryResponse struct {
	TotalSize int              `json:"totalSize"`
	Done      bool             `json:"done"`
	Records   []map[string]any `json:"records"`
}

// IsLogFileResponse reports whether the records point at downloadable CSV
// payloads. An empty records array routes to the log-file path by
// convention; with zero records both paths are a no-op.
func (r *QueryResponse) IsLogFileResponse() bool {
	if len(r.Records) == 0 {
		return true
	}
	_, ok := r.Records[0]["LogFile"]
	return ok
}

// Client issues SOQL queries and event log file downloads with bearer
// auth for one org.
type Client struct {
	instanceName  string
	auth          *AuthManager
	httpClient    *http.Client
	defaultAPIVer string
}

// NewClient creates a client bound to an auth manager.
func NewClient(instanceName string, auth *AuthManager, defaultAPIVer string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if defaultAPIVer == "" {
		defaultAPIVer = "52.0"
	}
	return &Client{
		instanceName:  instanceName,
		auth:          auth,
		httpClient:    httpClient,
		defaultAPIVer: defaultAPIVer,
	}
}

// ExecuteQuery runs a rendered SOQL query and decodes the response.
func (c *Client) ExecuteQuery(ctx context.Context, q query.Rendered) (*QueryResponse, error) {
	apiVer := q.Env.APIVer
	if apiVer == "" {
		apiVer = c.defaultAPIVer
	}
	creds := c.auth.Credentials()
	url := fmt.Sprintf("%s/services/data/v%s/query?q=%s", creds.InstanceURL, apiVer, q.SOQL)

	body, err := c.get(ctx, url, creds)
	if err != nil {
		logger.Errorf("[%s] SOQL query failed: %v", c.instanceName, err)
		return nil, err
	}

	var resp QueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{StatusCode: -1, Message: fmt.Sprintf("decode SOQL response: %v", err)}
	}
	return &resp, nil
}

// DownloadLogFile fetches the raw CSV bytes behind an EventLogFile path.
func (c *Client) DownloadLogFile(ctx context.Context, filePath string) ([]byte, error) {
	creds := c.auth.Credentials()
	url := creds.InstanceURL + filePath
	logger.Infof("[%s] downloading CSV file: %s", c.instanceName, url)
	return c.get(ctx, url, creds)
}

func (c *Client) get(ctx context.Context, url string, creds *models.Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &APIError{StatusCode: -1, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{StatusCode: -1, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: -1, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("GET %s: %s", url, strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

// decodeEventLogFile converts one SOQL record of the log-file shape into
// its typed form.
func decodeEventLogFile(rec map[string]any) models.EventLogFile {
	return models.EventLogFile{
		ID:          recString(rec, "Id"),
		EventType:   recString(rec, "EventType"),
		CreatedDate: recString(rec, "CreatedDate"),
		LogDate:     recString(rec, "LogDate"),
		Interval:    recString(rec, "Interval"),
		LogFile:     recString(rec, "LogFile"),
		Sequence:    recInt(rec, "Sequence"),
	}
}

func recString(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func recInt(rec map[string]any, key string) int {
	switch v := rec[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
