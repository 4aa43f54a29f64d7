package engine

import (
	"context"

	"github.com/richinsley/gen2go/history"
)

// PreprocessOptions controls how reference images are prepared for upload
type PreprocessOptions struct {
	MaxDimension int
	Quality      int
}

// ImagePreprocessor re-encodes a reference image to format ("png" or "jpeg")
// and returns the new bytes with their MIME type.
type ImagePreprocessor interface {
	Preprocess(raw []byte, format string, opts PreprocessOptions) ([]byte, string, error)
}

// CredentialStore resolves API keys by service name
type CredentialStore interface {
	Credential(name string) (string, error)
}

// HistorySink receives the records of successful runs. Persist is called
// once after all records of a run have been appended; Discard drops the
// appended records of a run whose history could not be written.
type HistorySink interface {
	Append(rec history.Record) error
	Persist() error
	Discard()
}

// ConsentGate asks whether data may be sent to a remote service
type ConsentGate interface {
	Confirm(ctx context.Context, service string) (bool, error)
}

// FileWriter stores an artifact and returns the path it was written to
type FileWriter interface {
	Write(dir string, name string, data []byte) (string, error)
}

// ImageHost publishes an image and returns a URL other services can fetch
type ImageHost interface {
	Publish(ctx context.Context, data []byte, mime string) (string, error)
}
