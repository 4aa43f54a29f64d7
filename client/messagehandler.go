package client

import (
	"encoding/json"
	"log/slog"
)

// ProgressReporter receives advisory progress for one prompt
type ProgressReporter interface {
	ReportProgress(fraction float64)
	ReportComplete()
}

// PromptWatcher translates progress channel messages for a single prompt
// into ProgressReporter calls. Messages for other prompts are ignored.
type PromptWatcher struct {
	PromptID string
	Reporter ProgressReporter
}

func (p *PromptWatcher) matches(promptID string) bool {
	// older servers omit the prompt id on progress messages
	return promptID == "" || promptID == p.PromptID
}

func (p *PromptWatcher) OnMessage(msg []byte) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal(msg, message); err != nil {
		slog.Debug("Deserializing Status Message:", "error", err)
		return
	}

	switch data := message.Data.(type) {
	case *WSMessageDataProgress:
		if p.matches(data.PromptID) && data.Max > 0 {
			fraction := float64(data.Value) / float64(data.Max)
			if fraction > 1 {
				fraction = 1
			}
			p.Reporter.ReportProgress(fraction)
		}
	case *WSMessageDataExecuting:
		// final node was processed
		if data.Node == nil && data.PromptID == p.PromptID {
			p.Reporter.ReportProgress(1)
			p.Reporter.ReportComplete()
		}
	case *WSMessageDataExecutionSuccess:
		if data.PromptID == p.PromptID {
			p.Reporter.ReportProgress(1)
			p.Reporter.ReportComplete()
		}
	case *WSMessageExecutionError:
		if data.PromptID == p.PromptID {
			slog.Warn("Execution error", "prompt_id", data.PromptID, "node_type", data.NodeType, "error", data.ExceptionMessage)
		}
	}
}
