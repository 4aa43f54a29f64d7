package graphapi

import (
	"bytes"
	"encoding/json"
	"strings"
)

// NodeID accepts both the numeric ids of top level nodes and the string ids
// the editor writes for nodes inside subgraphs
type NodeID string

func (id *NodeID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = NodeID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = NodeID(n.String())
	return nil
}

// GraphNode represents the encapsulation of an individual functionality within a Graph
type GraphNode struct {
	ID           NodeID      `json:"id"`
	Type         string      `json:"type"`
	Mode         int         `json:"mode"`
	Title        string      `json:"title"`
	WidgetValues interface{} `json:"widgets_values"`
}

func (n *GraphNode) HasTypeFragment(fragment string) bool {
	return strings.Contains(n.Type, fragment)
}

// PromptText returns the text held by the node's widgets.
// Widget values are usually an array, where the first string is the text
// widget; some custom nodes store a map of widget name to value instead.
func (n *GraphNode) PromptText() (string, bool) {
	switch wv := n.WidgetValues.(type) {
	case []interface{}:
		for _, v := range wv {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	case map[string]interface{}:
		if s, ok := wv["text"].(string); ok {
			return s, true
		}
		if s, ok := wv["prompt"].(string); ok {
			return s, true
		}
	}
	return "", false
}
