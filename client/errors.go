package client

import "fmt"

// Stage names the step of the queue protocol a request belongs to
type Stage string

const (
	StageUpload  Stage = "upload"
	StageQueue   Stage = "queue"
	StageHistory Stage = "history"
	StageFetch   Stage = "fetch"
)

// RequestError describes a failed exchange with the backend. Decode is set
// when the server answered 2xx but the body did not match the expected schema.
type RequestError struct {
	Stage      Stage
	StatusCode int
	Body       string
	Message    string
	Decode     bool
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Decode:
		return fmt.Sprintf("%s: failed to decode response: %v", e.Stage, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s (status %d)", e.Stage, e.Message, e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status code: %d, body: %s", e.Stage, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
