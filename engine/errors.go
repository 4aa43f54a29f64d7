package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/richinsley/gen2go/client"
)

// Kind is the closed set of failures a run can end with
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindInvalidURL
	KindInvalidConfiguration
	KindNoWorkflow
	KindInvalidPromptNode
	KindInvalidImageNode
	KindNoSamplerNode
	KindUploadFailed
	KindQueueFailed
	KindFetchFailed
	KindAPIError
	KindDecodeFailed
)

var kindNames = map[Kind]string{
	KindInvalidInput:         "invalid input",
	KindInvalidURL:           "invalid URL",
	KindInvalidConfiguration: "invalid configuration",
	KindNoWorkflow:           "no workflow",
	KindInvalidPromptNode:    "invalid prompt node",
	KindInvalidImageNode:     "invalid image node",
	KindNoSamplerNode:        "no sampler node",
	KindUploadFailed:         "upload failed",
	KindQueueFailed:          "queue failed",
	KindFetchFailed:          "fetch failed",
	KindAPIError:             "API error",
	KindDecodeFailed:         "decode failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Summary is the short text shown to a user,
// Detail the diagnostic view with status code and raw body.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Body       string
	Safety     bool
	Err        error
}

func (e *Error) Error() string {
	return e.Summary()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Summary() string {
	if e.Safety {
		return "Blocked by content policy: " + e.Message
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Detail() string {
	var sb strings.Builder
	sb.WriteString(e.Summary())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, "\nstatus: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, "\ncause: %v", e.Err)
	}
	if e.Body != "" {
		sb.WriteString("\nbody: ")
		sb.WriteString(e.Body)
	}
	return sb.String()
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a classified error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

var safetyKeywords = []string{
	"safety",
	"violation",
	"policy",
	"blocked",
	"prohibited",
	"moderation",
	"sensitive",
	"harm",
}

// IsSafetyMessage reports whether a provider message describes a content policy block
func IsSafetyMessage(msg string) bool {
	lm := strings.ToLower(msg)
	for _, k := range safetyKeywords {
		if strings.Contains(lm, k) {
			return true
		}
	}
	return false
}

// apiError builds a provider reported failure, tagging content policy blocks
func apiError(msg string, status int, body string) *Error {
	return &Error{
		Kind:       KindAPIError,
		Message:    msg,
		StatusCode: status,
		Body:       body,
		Safety:     IsSafetyMessage(msg),
	}
}

// providerErrorBody matches the error objects of the supported providers:
// {"error": {"message": "...", "code": ..., "status"/"type": "..."}} or {"error": "..."}
type providerErrorBody struct {
	Error json.RawMessage `json:"error"`
}

// providerErrorMessage extracts the error object of a response body, if any
func providerErrorMessage(body []byte) (string, bool) {
	var pe providerErrorBody
	if err := json.Unmarshal(body, &pe); err != nil || len(pe.Error) == 0 || string(pe.Error) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(pe.Error, &s); err == nil {
		return s, s != ""
	}
	var obj struct {
		Message string      `json:"message"`
		Code    interface{} `json:"code"`
		Status  string      `json:"status"`
		Type    string      `json:"type"`
	}
	if err := json.Unmarshal(pe.Error, &obj); err != nil {
		return string(pe.Error), true
	}
	parts := make([]string, 0, 3)
	if obj.Message != "" {
		parts = append(parts, obj.Message)
	}
	for _, tag := range []string{obj.Status, obj.Type, fmt.Sprint(valueOrEmpty(obj.Code))} {
		if tag != "" && !strings.Contains(obj.Message, tag) {
			parts = append(parts, "("+tag+")")
		}
	}
	if len(parts) == 0 {
		return string(pe.Error), true
	}
	return strings.Join(parts, " "), true
}

func valueOrEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}

// classifyResponse maps a completed HTTP exchange with a single call or job
// backend to an error, or nil when the body can be decoded by the caller
func classifyResponse(status int, body []byte) error {
	if status < 200 || status > 299 {
		msg, ok := providerErrorMessage(body)
		if !ok {
			msg = fmt.Sprintf("unexpected status code: %d", status)
		}
		return apiError(msg, status, string(body))
	}
	if msg, ok := providerErrorMessage(body); ok {
		return apiError(msg, status, string(body))
	}
	return nil
}

func decodeError(err error, status int, body []byte) *Error {
	return &Error{
		Kind:       KindDecodeFailed,
		Message:    "response did not match the expected schema",
		StatusCode: status,
		Body:       string(body),
		Err:        err,
	}
}

// fromClientError maps queue backend client failures to the taxonomy.
// Cancellation passes through untouched.
func fromClientError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var rerr *client.RequestError
	if !errors.As(err, &rerr) {
		return &Error{Kind: KindFetchFailed, Message: err.Error(), Err: err}
	}
	if rerr.Decode {
		return decodeError(rerr.Err, rerr.StatusCode, []byte(rerr.Body))
	}
	kind := KindFetchFailed
	switch rerr.Stage {
	case client.StageUpload:
		kind = KindUploadFailed
	case client.StageQueue:
		kind = KindQueueFailed
	}
	msg := rerr.Message
	if msg == "" {
		if rerr.StatusCode != 0 {
			msg = fmt.Sprintf("unexpected status code: %d", rerr.StatusCode)
		} else if rerr.Err != nil {
			msg = rerr.Err.Error()
		}
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		StatusCode: rerr.StatusCode,
		Body:       rerr.Body,
		Err:        rerr.Err,
	}
}
