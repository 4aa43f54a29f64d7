package client

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/richinsley/gen2go/graphapi"
)

/*
routes used:
@routes.get("/history/{prompt_id}")
@routes.get("/view")
@routes.get("/ws")
@routes.post("/prompt")
@routes.post("/upload/image")
*/

// QueuePrompt enqueues the graph under the caller supplied promptID
func (c *ComfyClient) QueuePrompt(ctx context.Context, graph *graphapi.WorkflowGraph, promptID string) (*QueueItem, error) {
	prompt := graph.ToPrompt(c.clientid, promptID)
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.endpoint("/prompt", nil), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(ctx, StageQueue, req)
	if err != nil {
		// mmm-k, is it one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": []
		// }
		if rerr, ok := err.(*RequestError); ok && rerr.Body != "" {
			perror := &PromptErrorMessage{}
			if perr := json.Unmarshal([]byte(rerr.Body), perror); perr == nil && perror.Error.Message != "" {
				rerr.Message = perror.Error.Message
				if perror.Error.Details != "" {
					rerr.Message += ": " + perror.Error.Details
				}
			}
		}
		return nil, err
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		slog.Error("error unmarshalling queue response", "body", string(body))
		return nil, &RequestError{Stage: StageQueue, StatusCode: http.StatusOK, Body: string(body), Decode: true, Err: err}
	}
	if item.PromptID == "" {
		item.PromptID = promptID
	}
	return item, nil
}

// GetHistory returns the history entry of a prompt, or nil while the prompt
// has not finished executing
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequest("GET", c.endpoint("/history/"+url.PathEscape(promptID), nil), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, StageHistory, req)
	if err != nil {
		return nil, err
	}

	history := make(map[string]HistoryEntry)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, &RequestError{Stage: StageHistory, StatusCode: http.StatusOK, Body: string(body), Decode: true, Err: err}
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// GetImage downloads an output file
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)

	req, err := http.NewRequest("GET", c.endpoint("/view", params), nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, StageFetch, req)
}
