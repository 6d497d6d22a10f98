package storage

import (
	"context"
	"testing"

	"canvas_worker/pkg"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	updates   []*dynamodb.UpdateItemInput
	updateErr error
	pages     [][]map[string]types.AttributeValue
	queries   int
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, params)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	out := &dynamodb.QueryOutput{}
	if f.queries < len(f.pages) {
		out.Items = f.pages[f.queries]
	}
	f.queries++
	if f.queries < len(f.pages) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			canvasSortKey: &types.AttributeValueMemberS{Value: "page"},
		}
	}
	return out, nil
}

func attributeNames(input *dynamodb.UpdateItemInput) []string {
	names := make([]string, 0, len(input.ExpressionAttributeNames))
	for _, n := range input.ExpressionAttributeNames {
		names = append(names, n)
	}
	return names
}

func TestDynamoCanvasStorePatchSetsOnlyGivenFields(t *testing.T) {
	fake := &fakeDynamo{}
	s := NewDynamoCanvasStore(fake, "canvas")

	err := s.PatchNodeData(context.Background(), "c1", "n1", pkg.NodePatch{
		pkg.FieldStatus: string(pkg.NodeStatusComplete),
		pkg.FieldText:   "final",
	})
	require.NoError(t, err)
	require.Len(t, fake.updates, 1)

	in := fake.updates[0]
	assert.Equal(t, "canvas", *in.TableName)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "node#n1"}, in.Key[canvasSortKey])
	assert.Contains(t, *in.UpdateExpression, "SET")
	assert.NotContains(t, *in.UpdateExpression, "REMOVE")
	assert.ElementsMatch(t, []string{"data", "status", "text", canvasSortKey}, attributeNames(in))
	assert.Contains(t, *in.ConditionExpression, "attribute_exists")
}

func TestDynamoCanvasStorePatchMissingNode(t *testing.T) {
	fake := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	s := NewDynamoCanvasStore(fake, "canvas")

	err := s.PatchNodeData(context.Background(), "c1", "gone", pkg.NodePatch{pkg.FieldText: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PatchNodeData(context.Background(), "c1", "n1", nil))
	assert.Len(t, fake.updates, 1)
}

func marshalItem(t *testing.T, kind, key string, v any) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	item[canvasPartitionKey] = &types.AttributeValueMemberS{Value: "c1"}
	item[canvasSortKey] = &types.AttributeValueMemberS{Value: key}
	item[canvasKindAttr] = &types.AttributeValueMemberS{Value: kind}
	return item
}

func TestDynamoCanvasStoreLoadGraphAcrossPages(t *testing.T) {
	node := pkg.CanvasNode{
		ID:        "n1",
		Type:      "text",
		Position:  pkg.Position{X: 1, Y: 2},
		CreatedAt: 1700000000000,
		Data:      map[string]any{"text": "hello"},
	}
	edge := pkg.Edge{ID: "e1", Source: "n0", Target: "n1", Relation: "supports"}

	fake := &fakeDynamo{pages: [][]map[string]types.AttributeValue{
		{marshalItem(t, kindNode, NodeItemKey("n1"), node)},
		{marshalItem(t, kindEdge, EdgeItemKey("e1"), edge)},
	}}
	s := NewDynamoCanvasStore(fake, "canvas")

	g, err := s.LoadGraph(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.queries)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "hello", g.Nodes[0].Data["text"])
	assert.Equal(t, int64(1700000000000), g.Nodes[0].CreatedAt)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, edge, g.Edges[0])
}

func TestDynamoCanvasStoreLoadEmpty(t *testing.T) {
	s := NewDynamoCanvasStore(&fakeDynamo{}, "canvas")
	_, err := s.LoadGraph(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoExecutionStoreGuardsTerminal(t *testing.T) {
	fake := &fakeDynamo{}
	s := NewDynamoExecutionStore(fake, "executions")

	require.NoError(t, s.MarkTerminal(context.Background(), "e1", "n1", pkg.ExecutionFailed, "", "boom"))
	in := fake.updates[0]
	assert.Contains(t, *in.ConditionExpression, "attribute_not_exists")
	assert.Contains(t, attributeNames(in), "error")
	assert.NotContains(t, attributeNames(in), "output")

	fake.updateErr = &types.ConditionalCheckFailedException{}
	err := s.MarkTerminal(context.Background(), "e1", "n1", pkg.ExecutionCompleted, "out", "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	assert.Error(t, s.MarkTerminal(context.Background(), "e1", "n1", pkg.ExecutionPending, "", ""))
}
