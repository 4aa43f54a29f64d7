package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoPromptSink     = errors.New("no node accepts a text prompt")
	ErrNoSampler        = errors.New("no sampler node in workflow")
	ErrInvalidImageNode = errors.New("node does not accept an image")
	ErrNodeNotFound     = errors.New("node not found")
)

// SamplerMarker is the class type fragment identifying the node that owns the seed
const SamplerMarker = "Sampler"

// input key fragments that identify the string inputs of a prompt sink
var promptKeyMarkers = []string{"prompt", "text", "positive"}

// Node is one processing step of a runtime (API format) workflow
type Node struct {
	ClassType string
	Inputs    map[string]interface{}
	Title     string
}

// WorkflowGraph is a job definition for the queue backend, keyed by node id.
// The loosely typed wire JSON is only touched by ParseWorkflow and MarshalJSON.
type WorkflowGraph struct {
	nodes map[string]*Node
}

func NewWorkflowGraph() *WorkflowGraph {
	return &WorkflowGraph{nodes: make(map[string]*Node)}
}

// ParseWorkflow decodes a runtime format workflow (id -> {class_type, inputs}).
// Numbers are kept as json.Number so 64 bit seeds survive a round trip.
func ParseWorkflow(data []byte) (*WorkflowGraph, error) {
	var raw map[string]json.RawMessage
	if err := decodeNumbers(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("workflow contains no nodes")
	}

	retv := NewWorkflowGraph()
	for id, msg := range raw {
		var pn PromptNode
		if err := decodeNumbers(msg, &pn); err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		if pn.ClassType == "" {
			return nil, fmt.Errorf("node %s has no class_type", id)
		}
		n := &Node{
			ClassType: pn.ClassType,
			Inputs:    pn.Inputs,
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
		if pn.Meta != nil {
			n.Title = pn.Meta.Title
		}
		retv.nodes[id] = n
	}
	return retv, nil
}

func decodeNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// AddNode inserts or replaces the node with the given id
func (g *WorkflowGraph) AddNode(id string, n *Node) {
	if n.Inputs == nil {
		n.Inputs = make(map[string]interface{})
	}
	g.nodes[id] = n
}

// Node returns the node with the given id or nil
func (g *WorkflowGraph) Node(id string) *Node {
	return g.nodes[id]
}

func (g *WorkflowGraph) Len() int {
	return len(g.nodes)
}

// IDs returns node ids in numeric order. Ids that are not numbers sort last.
func (g *WorkflowGraph) IDs() []string {
	retv := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		retv = append(retv, id)
	}
	sort.Slice(retv, func(i, j int) bool {
		a, aerr := strconv.Atoi(retv[i])
		b, berr := strconv.Atoi(retv[j])
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return retv[i] < retv[j]
	})
	return retv
}

// Clone returns a deep copy; mutating the copy never touches g
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	retv := NewWorkflowGraph()
	for id, n := range g.nodes {
		inputs := make(map[string]interface{}, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = cloneValue(v)
		}
		retv.nodes[id] = &Node{ClassType: n.ClassType, Inputs: inputs, Title: n.Title}
	}
	return retv
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	}
	return v
}

func isPromptKey(key string) bool {
	lk := strings.ToLower(key)
	for _, m := range promptKeyMarkers {
		if strings.Contains(lk, m) {
			return true
		}
	}
	return false
}

// promptKeys returns the sorted string-valued inputs of n whose key looks like a prompt
func promptKeys(n *Node) []string {
	retv := make([]string, 0)
	for k, v := range n.Inputs {
		if _, ok := v.(string); ok && isPromptKey(k) {
			retv = append(retv, k)
		}
	}
	sort.Strings(retv)
	return retv
}

// FindPromptSink locates the node receiving the prompt. A non-empty preferred
// id must name a node with a prompt input; otherwise the first node in id
// order that has one wins.
func (g *WorkflowGraph) FindPromptSink(preferred string) (string, error) {
	if preferred != "" {
		n := g.nodes[preferred]
		if n == nil || len(promptKeys(n)) == 0 {
			return "", fmt.Errorf("%w: node %s", ErrNoPromptSink, preferred)
		}
		return preferred, nil
	}
	for _, id := range g.IDs() {
		if len(promptKeys(g.nodes[id])) != 0 {
			return id, nil
		}
	}
	return "", ErrNoPromptSink
}

// SetPrompt writes text into every prompt input of the node
func (g *WorkflowGraph) SetPrompt(id string, text string) error {
	n := g.nodes[id]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	keys := promptKeys(n)
	if len(keys) == 0 {
		return fmt.Errorf("%w: node %s", ErrNoPromptSink, id)
	}
	for _, k := range keys {
		n.Inputs[k] = text
	}
	return nil
}

// PromptText returns the effective prompt held by the node
func (g *WorkflowGraph) PromptText(id string) (string, bool) {
	n := g.nodes[id]
	if n == nil {
		return "", false
	}
	keys := promptKeys(n)
	if len(keys) == 0 {
		return "", false
	}
	return n.Inputs[keys[0]].(string), true
}

// FindSampler returns the node holding the seed of the graph. The first
// sampler, in id order, with a literal seed input wins; a sampler whose seed
// is linked resolves to the node it is linked to. Graphs whose samplers take
// no seed (custom sampling with a separate noise node) use the first node
// with a literal seed input. ErrNoSampler is returned only when no node
// class contains SamplerMarker.
func (g *WorkflowGraph) FindSampler() (string, error) {
	ids := g.IDs()
	first := ""
	for _, id := range ids {
		n := g.nodes[id]
		if !strings.Contains(n.ClassType, SamplerMarker) {
			continue
		}
		if first == "" {
			first = id
		}
		if literalSeedKey(n) != "" {
			return id, nil
		}
		if src, ok := g.linkedSeedSource(n); ok {
			return src, nil
		}
	}
	if first == "" {
		return "", ErrNoSampler
	}
	for _, id := range ids {
		if literalSeedKey(g.nodes[id]) != "" {
			return id, nil
		}
	}
	return first, nil
}

// seed inputs in order of preference
var seedKeys = []string{"seed", "noise_seed"}

func isLink(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// literalSeedKey returns the seed input of n holding a value rather than a link
func literalSeedKey(n *Node) string {
	for _, k := range seedKeys {
		if v, ok := n.Inputs[k]; ok && !isLink(v) {
			return k
		}
	}
	return ""
}

// linkedSeedSource follows a seed input linked to another node
func (g *WorkflowGraph) linkedSeedSource(n *Node) (string, bool) {
	for _, k := range seedKeys {
		link, ok := n.Inputs[k].([]interface{})
		if !ok || len(link) == 0 {
			continue
		}
		src := fmt.Sprint(link[0])
		if sn := g.nodes[src]; sn != nil && literalSeedKey(sn) != "" {
			return src, true
		}
	}
	return "", false
}

func seedKey(n *Node) string {
	if k := literalSeedKey(n); k != "" {
		return k
	}
	return "seed"
}

// SetSeed assigns the seed of a sampler node
func (g *WorkflowGraph) SetSeed(id string, seed int64) error {
	n := g.nodes[id]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Inputs[seedKey(n)] = json.Number(strconv.FormatInt(seed, 10))
	return nil
}

// Seed reads the seed of a sampler node
func (g *WorkflowGraph) Seed(id string) (int64, bool) {
	n := g.nodes[id]
	if n == nil {
		return 0, false
	}
	switch v := n.Inputs[seedKey(n)].(type) {
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// SetNumberInput writes v into the first node, in id order, whose key input
// holds a value rather than a link. It returns the id of the node written.
func (g *WorkflowGraph) SetNumberInput(key string, v float64) (string, bool) {
	for _, id := range g.IDs() {
		n := g.nodes[id]
		if cur, ok := n.Inputs[key]; ok && !isLink(cur) {
			n.Inputs[key] = json.Number(strconv.FormatFloat(v, 'f', -1, 64))
			return id, true
		}
	}
	return "", false
}

// SetImage points an image loading node at an uploaded file name
func (g *WorkflowGraph) SetImage(id string, name string) error {
	n := g.nodes[id]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrInvalidImageNode, id)
	}
	if _, ok := n.Inputs["image"]; !ok {
		return fmt.Errorf("%w: %s (%s)", ErrInvalidImageNode, id, n.ClassType)
	}
	n.Inputs["image"] = name
	return nil
}

// AcceptsImage reports whether the node has an image input
func (g *WorkflowGraph) AcceptsImage(id string) bool {
	n := g.nodes[id]
	if n == nil {
		return false
	}
	_, ok := n.Inputs["image"]
	return ok
}

// ToPrompt converts the graph to the wire format that is posted to the backend
func (g *WorkflowGraph) ToPrompt(clientID string, promptID string) Prompt {
	p := Prompt{
		ClientID: clientID,
		PromptID: promptID,
		Nodes:    make(map[string]PromptNode, len(g.nodes)),
	}
	for id, n := range g.nodes {
		pn := PromptNode{
			ClassType: n.ClassType,
			Inputs:    n.Inputs,
		}
		if n.Title != "" {
			pn.Meta = &PromptNodeMeta{Title: n.Title}
		}
		p.Nodes[id] = pn
	}
	return p
}

func (g *WorkflowGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.ToPrompt("", "").Nodes)
}

func (g *WorkflowGraph) UnmarshalJSON(b []byte) error {
	parsed, err := ParseWorkflow(b)
	if err != nil {
		return err
	}
	g.nodes = parsed.nodes
	return nil
}
