package graphapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

// TextEncodeMarker is the class type fragment of nodes that encode prompt text
const TextEncodeMarker = "TextEncode"

const labelPreviewRunes = 50

// keywords under which generators embed the job graph
var workflowKeywords = map[string]bool{
	"prompt":   true,
	"workflow": true,
	"Prompt":   true,
	"Workflow": true,
}

// NodeInfo describes a prompt node recovered from an embedded workflow
type NodeInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// MetadataFallback is a second chance extraction path used when no tEXt chunk
// carries a workflow. It returns the embedded JSON and whether one was found.
type MetadataFallback func(data []byte) (string, bool)

type ExtractOptions struct {
	Fallback MetadataFallback
}

// InternationalTextFallback looks for the workflow keywords in zTXt and iTXt chunks
func InternationalTextFallback(data []byte) (string, bool) {
	var found string
	ok := false
	_ = walkPngChunks(data, func(chunkType string, payload []byte) bool {
		var keyword, value string
		var decoded bool
		switch chunkType {
		case "zTXt":
			keyword, value, decoded = decodeZTXt(payload)
		case "iTXt":
			keyword, value, decoded = decodeITXt(payload)
		default:
			return true
		}
		if decoded && workflowKeywords[keyword] {
			found = value
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// EmbeddedWorkflowJSON returns the first workflow JSON embedded in a PNG
func EmbeddedWorkflowJSON(data []byte, opts *ExtractOptions) (string, bool) {
	var found string
	ok := false
	err := walkPngChunks(data, func(chunkType string, payload []byte) bool {
		if chunkType != "tEXt" {
			return true
		}
		keyword, value, valid := splitKeyword(payload)
		if valid && workflowKeywords[keyword] {
			found = string(value)
			ok = true
			return false
		}
		return true
	})
	if ok {
		return found, true
	}
	if err == ErrNotPNG {
		return "", false
	}
	if err != nil {
		slog.Debug("PNG chunk walk stopped", "error", err)
	}

	fallback := InternationalTextFallback
	if opts != nil && opts.Fallback != nil {
		fallback = opts.Fallback
	}
	return fallback(data)
}

// ExtractNodeInfos recovers the prompt nodes of the workflow embedded in a
// PNG file. It returns an empty list on any parse failure.
func ExtractNodeInfos(data []byte) []NodeInfo {
	return ExtractNodeInfosWithOptions(data, nil)
}

func ExtractNodeInfosWithOptions(data []byte, opts *ExtractOptions) []NodeInfo {
	js, ok := EmbeddedWorkflowJSON(data, opts)
	if !ok {
		return []NodeInfo{}
	}
	return NodeInfosFromJSON([]byte(js))
}

// ExtractWorkflow returns the embedded runtime graph, when the PNG carries one,
// along with its prompt nodes
func ExtractWorkflow(data []byte) (*WorkflowGraph, []NodeInfo) {
	js, ok := EmbeddedWorkflowJSON(data, nil)
	if !ok {
		return nil, []NodeInfo{}
	}
	infos := NodeInfosFromJSON([]byte(js))
	if isEditorFormat([]byte(js)) {
		return nil, infos
	}
	wf, err := ParseWorkflow([]byte(js))
	if err != nil {
		return nil, infos
	}
	return wf, infos
}

func isEditorFormat(js []byte) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(js, &top); err != nil {
		return false
	}
	nodes, ok := top["nodes"]
	if !ok {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(nodes, &arr) == nil
}

// NodeInfosFromJSON parses either the flat runtime format or the editor
// format and collects the text encoding nodes, sorted by id
func NodeInfosFromJSON(js []byte) []NodeInfo {
	retv := []NodeInfo{}
	if isEditorFormat(js) {
		graph := &Graph{}
		if err := json.Unmarshal(js, graph); err != nil {
			slog.Debug("embedded editor workflow did not decode", "error", err)
			return retv
		}
		for _, n := range graph.GetNodesWithTypeContaining(TextEncodeMarker) {
			text, ok := n.PromptText()
			if !ok {
				continue
			}
			retv = append(retv, newNodeInfo(string(n.ID), text))
		}
	} else {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(js, &raw); err != nil {
			slog.Debug("embedded workflow did not decode", "error", err)
			return retv
		}
		for id, msg := range raw {
			var pn PromptNode
			if err := json.Unmarshal(msg, &pn); err != nil {
				continue
			}
			n := &Node{ClassType: pn.ClassType, Inputs: pn.Inputs}
			if !strings.Contains(n.ClassType, TextEncodeMarker) {
				continue
			}
			text, ok := flatPromptText(n)
			if !ok {
				continue
			}
			retv = append(retv, newNodeInfo(id, text))
		}
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].ID < retv[j].ID
	})
	return retv
}

func flatPromptText(n *Node) (string, bool) {
	if s, ok := n.Inputs["text"].(string); ok {
		return s, true
	}
	keys := promptKeys(n)
	if len(keys) == 0 {
		return "", false
	}
	return n.Inputs[keys[0]].(string), true
}

func newNodeInfo(id string, text string) NodeInfo {
	preview := text
	if utf8.RuneCountInString(text) > labelPreviewRunes {
		preview = string([]rune(text)[:labelPreviewRunes]) + "…"
	}
	return NodeInfo{
		ID:    id,
		Label: fmt.Sprintf("Node %s: %s", id, preview),
		Text:  text,
	}
}
