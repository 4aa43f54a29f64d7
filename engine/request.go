package engine

import (
	"fmt"

	"github.com/richinsley/gen2go/graphapi"
)

// Backend selects the service a request is sent to
type Backend string

const (
	BackendGemini Backend = "gemini"
	BackendOpenAI Backend = "openai"
	BackendComfy  Backend = "comfyui"
	BackendVideo  Backend = "video"
)

// ParseBackend maps a user supplied backend name to a Backend
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case BackendGemini, BackendOpenAI, BackendComfy, BackendVideo:
		return Backend(name), nil
	case "comfy":
		return BackendComfy, nil
	}
	return "", newError(KindInvalidInput, "unknown backend %q", name)
}

// ReferenceImage is an input image. Data holds the bytes sent to the
// backend, usually an edited copy of Original. Original is sent when Data
// is empty.
type ReferenceImage struct {
	Name     string
	Data     []byte
	Original []byte
}

type Options struct {
	Model          string
	Resolution     string
	AspectRatio    string
	Strength       float64
	Guidance       float64
	Seed           *int64
	SafetyChecker  bool
	Duration       int
	PromptNodeID   string
	ImageNodeIDs   []string
	NegativePrompt string
}

// GenerationRequest is immutable once submitted; the engine never writes to it
type GenerationRequest struct {
	Prompt    string
	Images    []ReferenceImage
	Backend   Backend
	Options   Options
	BatchSize int
	Workflow  *graphapi.WorkflowGraph
}

func (r *GenerationRequest) batchSize() int {
	if r.BatchSize < 1 {
		return 1
	}
	return r.BatchSize
}

// ResultItem is one produced artifact. Image is nil when the provider
// returned nothing for that position.
type ResultItem struct {
	Image    []byte
	MIMEType string
	Caption  string
	Path     string
	Index    int
	Total    int
	Seed     *int64
}

func seedCaption(seed int64) string {
	return fmt.Sprintf("Seed: %d", seed)
}

func missingCaption(index int) string {
	return fmt.Sprintf("No output for item %d", index)
}

// ProgressState is a snapshot of the active job's advisory progress
type ProgressState struct {
	Fraction  float64
	Completed bool
}
