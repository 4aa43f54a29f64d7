package graphapi

import (
	"encoding/json"
	"sort"
)

// Graph is the editor (front end) representation of a workflow as it is saved
// by the editor and embedded in generated PNG files under the "workflow" key.
// Only the parts needed to recover prompt text are decoded.
type Graph struct {
	Nodes      []*GraphNode          `json:"nodes"`
	LastNodeID int                   `json:"last_node_id"`
	Version    float32               `json:"version"`
	NodesByID  map[string]*GraphNode `json:"-"`
}

func (t *Graph) UnmarshalJSON(b []byte) error {
	// Create an alias type to avoid recursive call to UnmarshalJSON
	type Alias Graph

	alias := &Alias{}

	if err := json.Unmarshal(b, alias); err != nil {
		return err
	}

	t.Nodes = alias.Nodes
	t.LastNodeID = alias.LastNodeID
	t.Version = alias.Version
	t.NodesByID = make(map[string]*GraphNode)

	for _, node := range t.Nodes {
		if node == nil {
			continue
		}
		// Populate the "by ID's"
		t.NodesByID[string(node.ID)] = node
	}
	return nil
}

func (t *Graph) GetNodeById(id string) *GraphNode {
	val, ok := t.NodesByID[id]
	if ok {
		return val
	}
	return nil
}

// GetNodesWithTypeContaining retrieves all nodes whose type contains the fragment,
// ordered by id
func (t *Graph) GetNodesWithTypeContaining(fragment string) []*GraphNode {
	retv := make([]*GraphNode, 0)
	for _, n := range t.Nodes {
		if n != nil && n.HasTypeFragment(fragment) {
			retv = append(retv, n)
		}
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].ID < retv[j].ID
	})
	return retv
}
