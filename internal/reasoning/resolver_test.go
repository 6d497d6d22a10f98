package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"canvas_worker/pkg"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, typ string, createdAt int64, y float64, data map[string]any) pkg.CanvasNode {
	return pkg.CanvasNode{ID: id, Type: typ, CreatedAt: createdAt, Position: pkg.Position{Y: y}, Data: data}
}

func edge(source, target string) pkg.Edge {
	return pkg.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func itemIDs(rc pkg.ReasoningContext) []string {
	ids := make([]string, 0, len(rc.Items))
	for _, it := range rc.Items {
		ids = append(ids, it.SourceNodeID)
	}
	return ids
}

func TestResolveTerminatesOnCycles(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("a", "text", 1, 0, map[string]any{"text": "alpha"}),
			node("b", "text", 2, 0, map[string]any{"text": "beta"}),
			node("target", "display", 3, 0, map[string]any{}),
		},
		Edges: []pkg.Edge{
			edge("a", "b"),
			edge("b", "a"),
			edge("b", "target"),
			edge("target", "a"),
			edge("target", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)

	assert.Equal(t, "target", rc.TargetNodeID)
	assert.Equal(t, []string{"a", "b"}, itemIDs(rc))
}

func TestResolveDiamondVisitsOnce(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("root", "input", 1, 0, map[string]any{"prompt": "root"}),
			node("left", "text", 2, 0, map[string]any{"text": "left"}),
			node("right", "text", 3, 0, map[string]any{"text": "right"}),
			node("target", "display", 4, 0, nil),
		},
		Edges: []pkg.Edge{
			edge("root", "left"),
			edge("root", "right"),
			edge("left", "target"),
			edge("right", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	assert.Equal(t, []string{"root", "left", "right"}, itemIDs(rc))
}

func TestResolveOrdersByCreation(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("late", "text", 300, 0, map[string]any{"text": "late"}),
			node("early", "text", 100, 900, map[string]any{"text": "early"}),
			node("mid", "text", 200, 50, map[string]any{"text": "mid"}),
			node("target", "display", 400, 0, nil),
		},
		Edges: []pkg.Edge{
			edge("late", "target"),
			edge("early", "target"),
			edge("mid", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	assert.Equal(t, []string{"early", "mid", "late"}, itemIDs(rc))
}

func TestResolveFallsBackToPosition(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("low", "text", 0, 50, map[string]any{"text": "low"}),
			node("stamped", "text", 999, 30, map[string]any{"text": "stamped"}),
			node("high", "text", 0, 10, map[string]any{"text": "high"}),
			node("target", "display", 0, 0, nil),
		},
		Edges: []pkg.Edge{
			edge("low", "target"),
			edge("stamped", "target"),
			edge("high", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	assert.Equal(t, []string{"high", "stamped", "low"}, itemIDs(rc))
}

func TestResolveContentPriority(t *testing.T) {
	fetch := func(ctx context.Context, ref string) (string, error) {
		switch ref {
		case "ok":
			return "fetched text", nil
		default:
			return "", errors.New("not found")
		}
	}
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("out", "response", 1, 0, map[string]any{"output": "computed", "text": "raw"}),
			node("cached", "file", 2, 0, map[string]any{"fileText": "cached text", "storageId": "ok"}),
			node("fetched", "file", 3, 0, map[string]any{"storageId": "ok"}),
			node("broken", "file", 4, 0, map[string]any{"storageId": "missing", "fileName": "report.pdf"}),
			node("empty", "text", 5, 0, map[string]any{"text": "   "}),
			node("target", "display", 6, 0, nil),
		},
		Edges: []pkg.Edge{
			edge("out", "target"),
			edge("cached", "target"),
			edge("fetched", "target"),
			edge("broken", "target"),
			edge("empty", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, fetch)

	require.Equal(t, []string{"out", "cached", "fetched", "broken"}, itemIDs(rc))
	assert.Equal(t, "computed", rc.Items[0].Content)
	assert.Equal(t, "cached text", rc.Items[1].Content)
	assert.Equal(t, "fetched text", rc.Items[2].Content)
	assert.Contains(t, rc.Items[3].Content, "report.pdf")
}

func TestResolveRolesAndImportance(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("in", "input", 1, 0, map[string]any{"prompt": "do it"}),
			node("doc", "display", 2, 0, map[string]any{"text": "facts", "importance": 9.0}),
			node("ans", "response", 3, 0, map[string]any{"output": "before", "importance": 0}),
			node("misc", "sticky", 4, 0, map[string]any{"text": "note", "role": "instruction"}),
			node("other", "sticky", 5, 0, map[string]any{"text": "note", "role": "bogus"}),
			node("target", "display", 6, 0, nil),
		},
		Edges: []pkg.Edge{
			{Source: "in", Target: "target", Relation: "prompt"},
			edge("doc", "target"),
			edge("ans", "target"),
			edge("misc", "target"),
			edge("other", "target"),
		},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	require.Len(t, rc.Items, 5)

	assert.Equal(t, pkg.RoleInstruction, rc.Items[0].Role)
	assert.Equal(t, "prompt", rc.Items[0].Relation)
	assert.Equal(t, pkg.DefaultImportance, rc.Items[0].Importance)
	assert.Equal(t, pkg.RoleKnowledge, rc.Items[1].Role)
	assert.Equal(t, pkg.MaxImportance, rc.Items[1].Importance)
	assert.Equal(t, pkg.RoleHistory, rc.Items[2].Role)
	assert.Equal(t, pkg.MinImportance, rc.Items[2].Importance)
	assert.Equal(t, pkg.RoleInstruction, rc.Items[3].Role)
	assert.Equal(t, pkg.RoleContext, rc.Items[4].Role)
}

func TestResolveCapsLongContent(t *testing.T) {
	long := strings.Repeat("x", MaxItemChars+500)
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{
			node("big", "text", 1, 0, map[string]any{"text": long}),
			node("target", "display", 2, 0, nil),
		},
		Edges: []pkg.Edge{edge("big", "target")},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	require.Len(t, rc.Items, 1)
	content := rc.Items[0].Content
	assert.LessOrEqual(t, utf8.RuneCountInString(content), MaxItemChars)
	assert.True(t, strings.HasSuffix(content, TruncationMarker))
}

func TestResolveIgnoresDanglingEdges(t *testing.T) {
	graph := pkg.Graph{
		Nodes: []pkg.CanvasNode{node("target", "display", 1, 0, nil)},
		Edges: []pkg.Edge{edge("ghost", "target")},
	}

	rc := NewResolver(zerolog.Nop()).Resolve(context.Background(), "target", graph, nil)
	assert.Empty(t, rc.Items)
}
