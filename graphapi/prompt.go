package graphapi

// Prompt is the data that is enqueued to an instance of the queue backend
type Prompt struct {
	ClientID string                `json:"client_id"`
	PromptID string                `json:"prompt_id,omitempty"`
	Nodes    map[string]PromptNode `json:"prompt"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	json.Number, float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of source node
	//					     [1] is number (int) of slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *PromptNodeMeta        `json:"_meta,omitempty"`
}

// PromptNodeMeta holds the editor-only information that the backend ignores
type PromptNodeMeta struct {
	Title string `json:"title"`
}
