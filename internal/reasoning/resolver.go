package reasoning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"canvas_worker/pkg"

	"github.com/rs/zerolog"
)

const (
	// MaxItemChars caps a single context item before distillation
	MaxItemChars = 15000
	// TruncationMarker is appended to content cut at MaxItemChars
	TruncationMarker = "\n...[truncated]"
)

// FileFetcher loads extracted text for a stored file
type FileFetcher func(ctx context.Context, storageID string) (string, error)

// roleByType assigns a role when node data does not carry one
var roleByType = map[string]pkg.Role{
	"input":       pkg.RoleInstruction,
	"prompt":      pkg.RoleInstruction,
	"instruction": pkg.RoleInstruction,
	"display":     pkg.RoleKnowledge,
	"file":        pkg.RoleKnowledge,
	"document":    pkg.RoleKnowledge,
	"knowledge":   pkg.RoleKnowledge,
	"response":    pkg.RoleHistory,
	"chat":        pkg.RoleHistory,
	"llm":         pkg.RoleHistory,
}

var fileTypes = map[string]bool{
	"file":     true,
	"document": true,
	"pdf":      true,
}

// Resolver walks the canvas graph backwards from a target node and turns
// every reachable ancestor into a context item
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a resolver
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

type ancestor struct {
	node     pkg.CanvasNode
	relation string
}

// Resolve never fails: unreadable file content degrades to a placeholder and
// edges pointing at unknown nodes are ignored.
func (r *Resolver) Resolve(ctx context.Context, targetID string, graph pkg.Graph, fetch FileFetcher) pkg.ReasoningContext {
	result := pkg.ReasoningContext{TargetNodeID: targetID}

	ancestors := r.collectAncestors(targetID, graph)
	sortAncestors(ancestors)

	for _, a := range ancestors {
		content := r.content(ctx, a.node, fetch)
		if strings.TrimSpace(content) == "" {
			continue
		}
		result.Items = append(result.Items, pkg.ContextItem{
			SourceNodeID: a.node.ID,
			NodeType:     a.node.Type,
			Role:         roleFor(a.node),
			Content:      capContent(content),
			Importance:   importanceFor(a.node),
			Relation:     a.relation,
		})
	}

	r.logger.Debug().
		Str("target_node", targetID).
		Int("ancestors", len(ancestors)).
		Int("items", len(result.Items)).
		Msg("Context resolved")

	return result
}

// collectAncestors runs a BFS over incoming edges. The visited set makes
// cycles and diamonds terminate with each ancestor seen once.
func (r *Resolver) collectAncestors(targetID string, graph pkg.Graph) []ancestor {
	nodes := make(map[string]pkg.CanvasNode, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodes[n.ID] = n
	}
	incoming := make(map[string][]pkg.Edge)
	for _, e := range graph.Edges {
		incoming[e.Target] = append(incoming[e.Target], e)
	}

	visited := map[string]bool{targetID: true}
	queue := []string{targetID}
	var out []ancestor

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range incoming[current] {
			if visited[edge.Source] {
				continue
			}
			visited[edge.Source] = true

			node, ok := nodes[edge.Source]
			if !ok {
				continue
			}
			out = append(out, ancestor{node: node, relation: edge.Relation})
			queue = append(queue, edge.Source)
		}
	}
	return out
}

// sortAncestors orders oldest first. Creation time is used when every
// ancestor carries one, otherwise vertical position; id breaks ties.
func sortAncestors(list []ancestor) {
	byCreation := true
	for _, a := range list {
		if a.node.CreatedAt <= 0 {
			byCreation = false
			break
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].node, list[j].node
		if byCreation && a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.Position.Y != b.Position.Y {
			return a.Position.Y < b.Position.Y
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// content picks, in order: computed output, raw text or prompt, then for
// file nodes the cached text, fetched text, or a placeholder.
func (r *Resolver) content(ctx context.Context, node pkg.CanvasNode, fetch FileFetcher) string {
	for _, key := range []string{pkg.FieldOutput, pkg.FieldText, pkg.FieldPrompt} {
		if s := stringField(node.Data, key); strings.TrimSpace(s) != "" {
			return s
		}
	}

	if !fileTypes[node.Type] {
		return ""
	}

	if s := stringField(node.Data, pkg.FieldFileText); strings.TrimSpace(s) != "" {
		return s
	}

	if ref := stringField(node.Data, pkg.FieldStorageID); ref != "" && fetch != nil {
		text, err := fetch(ctx, ref)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("node_id", node.ID).Str("storage_id", ref).Msg("File text unavailable")
		}
	}

	name := stringField(node.Data, pkg.FieldFileName)
	if name == "" {
		name = node.ID
	}
	return fmt.Sprintf("[Attached file %q: content not available]", name)
}

func roleFor(node pkg.CanvasNode) pkg.Role {
	if role := pkg.Role(stringField(node.Data, pkg.FieldRole)); role.Valid() {
		return role
	}
	if role, ok := roleByType[node.Type]; ok {
		return role
	}
	return pkg.RoleContext
}

func importanceFor(node pkg.CanvasNode) int {
	var v float64
	switch n := node.Data[pkg.FieldImportance].(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float64:
		v = n
	default:
		return pkg.DefaultImportance
	}
	i := int(math.Round(v))
	if i < pkg.MinImportance {
		return pkg.MinImportance
	}
	if i > pkg.MaxImportance {
		return pkg.MaxImportance
	}
	return i
}

// capContent keeps the result, marker included, within MaxItemChars
func capContent(s string) string {
	if utf8.RuneCountInString(s) <= MaxItemChars {
		return s
	}
	keep := MaxItemChars - utf8.RuneCountInString(TruncationMarker)
	return string([]rune(s)[:keep]) + TruncationMarker
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
