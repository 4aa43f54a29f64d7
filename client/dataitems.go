package client

import (
	"fmt"
	"strings"
)

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the output of a single node in a history entry
type NodeOutput struct {
	Images []DataOutput `json:"images,omitempty"`
	Gifs   []DataOutput `json:"gifs,omitempty"`
}

// HistoryEntry contains the execution history for a single prompt
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  ExecutionStatus       `json:"status"`
}

type ExecutionStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
	// each message is a [type, data] pair
	Messages [][]interface{} `json:"messages"`
}

// Failed reports whether the prompt stopped with an execution error
func (s ExecutionStatus) Failed() bool {
	return s.StatusStr == "error"
}

// ErrorMessage collects the exception messages of execution_error entries
func (s ExecutionStatus) ErrorMessage() string {
	msgs := make([]string, 0)
	for _, m := range s.Messages {
		if len(m) < 2 {
			continue
		}
		if mtype, _ := m[0].(string); mtype != "execution_error" {
			continue
		}
		data, ok := m[1].(map[string]interface{})
		if !ok {
			continue
		}
		exc, _ := data["exception_message"].(string)
		ntype, _ := data["node_type"].(string)
		if ntype != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", ntype, strings.TrimSpace(exc)))
		} else if exc != "" {
			msgs = append(msgs, strings.TrimSpace(exc))
		}
	}
	if len(msgs) == 0 {
		return "execution failed"
	}
	return strings.Join(msgs, "; ")
}

// MediaOutputs returns every image-like output, ordered by node id
func (h *HistoryEntry) MediaOutputs() []DataOutput {
	ids := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)

	retv := make([]DataOutput, 0)
	for _, id := range ids {
		o := h.Outputs[id]
		retv = append(retv, o.Images...)
		retv = append(retv, o.Gifs...)
	}
	return retv
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}
