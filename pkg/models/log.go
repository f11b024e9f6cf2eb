package models

// Credentials is the OAuth material for one Salesforce org session.
type Credentials struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
}

// EventLogFile is one EventLogFile row returned by SOQL when records point
// at downloadable CSV payloads rather than inline data.
type EventLogFile struct {
	ID          string
	EventType   string
	CreatedDate string
	LogDate     string
	Interval    string
	LogFile     string
	Sequence    int
}

// LogEntry is the normalized output unit handed to shipping. Timestamp is
// only set when the configured timestamp field name is literally
// "timestamp"; otherwise the renamed field lives in Attributes alone.
type LogEntry struct {
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// LogBatch groups entries for one outbound payload. The file metadata
// fields are empty for inline-event batches.
type LogBatch struct {
	LogType     string     `json:"log_type,omitempty"`
	ID          string     `json:"Id,omitempty"`
	CreatedDate string     `json:"CreatedDate,omitempty"`
	LogDate     string     `json:"LogDate,omitempty"`
	LogEntries  []LogEntry `json:"log_entries"`
}
