package history

import "time"

// Record is one persisted generation result
type Record struct {
	Prompt    string    `json:"prompt"`
	Caption   string    `json:"caption,omitempty"`
	Path      string    `json:"path,omitempty"`
	MIMEType  string    `json:"mimeType,omitempty"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batchId,omitempty"`
	Index     int       `json:"index,omitempty"`
	Total     int       `json:"total,omitempty"`
}

// InBatch reports whether the record belongs to a multi-item run
func (r *Record) InBatch() bool {
	return r.BatchID != ""
}
