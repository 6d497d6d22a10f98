package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"canvas_worker/pkg"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Canvas table layout: one item per node and per edge under the canvas
// partition. Node data lives in a nested map so fields can be set one by one.
const (
	canvasPartitionKey = "canvasId"
	canvasSortKey      = "itemKey"
	canvasKindAttr     = "kind"
	kindNode           = "node"
	kindEdge           = "edge"

	executionPartitionKey = "executionId"
	executionSortKey      = "nodeId"
)

// DynamoAPI is the subset of the DynamoDB client the stores use
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NewDynamoClient creates a DynamoDB client for region. A non-empty endpoint
// points the client at a local emulator.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NodeItemKey is the sort key of a node item
func NodeItemKey(nodeID string) string { return kindNode + "#" + nodeID }

// EdgeItemKey is the sort key of an edge item
func EdgeItemKey(edgeID string) string { return kindEdge + "#" + edgeID }

// terminalGuard allows a write only while the record has no terminal status
func terminalGuard() expression.ConditionBuilder {
	status := expression.Name("status")
	return status.AttributeNotExists().Or(
		status.NotEqual(expression.Value(pkg.ExecutionCompleted)).
			And(status.NotEqual(expression.Value(pkg.ExecutionFailed))),
	)
}

// DynamoExecutionStore writes execution records with a conditional update
// so a terminal status is written at most once
type DynamoExecutionStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoExecutionStore(client DynamoAPI, table string) *DynamoExecutionStore {
	return &DynamoExecutionStore{client: client, table: table}
}

func (s *DynamoExecutionStore) key(executionID, nodeID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		executionPartitionKey: &types.AttributeValueMemberS{Value: executionID},
		executionSortKey:      &types.AttributeValueMemberS{Value: nodeID},
	}
}

func (s *DynamoExecutionStore) update(ctx context.Context, executionID, nodeID string, update expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(terminalGuard()).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build execution update: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(executionID, nodeID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyTerminal
		}
		return fmt.Errorf("failed to update execution %s/%s: %w", executionID, nodeID, err)
	}
	return nil
}

func (s *DynamoExecutionStore) MarkRunning(ctx context.Context, executionID, nodeID string) error {
	update := expression.Set(expression.Name("status"), expression.Value(pkg.ExecutionRunning)).
		Set(expression.Name("startedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339Nano)))
	return s.update(ctx, executionID, nodeID, update)
}

func (s *DynamoExecutionStore) MarkTerminal(ctx context.Context, executionID, nodeID string, status pkg.ExecutionStatus, output, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	update := expression.Set(expression.Name("status"), expression.Value(status)).
		Set(expression.Name("finishedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339Nano)))
	if output != "" {
		update = update.Set(expression.Name("output"), expression.Value(output))
	}
	if errMsg != "" {
		update = update.Set(expression.Name("error"), expression.Value(errMsg))
	}
	return s.update(ctx, executionID, nodeID, update)
}

// DynamoCanvasStore reads canvas graphs and patches node data in place
type DynamoCanvasStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoCanvasStore(client DynamoAPI, table string) *DynamoCanvasStore {
	return &DynamoCanvasStore{client: client, table: table}
}

// LoadGraph queries every item of the canvas partition
func (s *DynamoCanvasStore) LoadGraph(ctx context.Context, canvasID string) (pkg.Graph, error) {
	keyCond := expression.Key(canvasPartitionKey).Equal(expression.Value(canvasID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return pkg.Graph{}, fmt.Errorf("failed to build canvas query: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var graph pkg.Graph
	items := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return pkg.Graph{}, fmt.Errorf("failed to query canvas %s: %w", canvasID, err)
		}
		for _, item := range page.Items {
			items++
			kind, _ := item[canvasKindAttr].(*types.AttributeValueMemberS)
			if kind == nil {
				continue
			}
			switch kind.Value {
			case kindNode:
				var node pkg.CanvasNode
				if err := attributevalue.UnmarshalMap(item, &node); err != nil {
					return pkg.Graph{}, fmt.Errorf("failed to unmarshal node: %w", err)
				}
				graph.Nodes = append(graph.Nodes, node)
			case kindEdge:
				var edge pkg.Edge
				if err := attributevalue.UnmarshalMap(item, &edge); err != nil {
					return pkg.Graph{}, fmt.Errorf("failed to unmarshal edge: %w", err)
				}
				graph.Edges = append(graph.Edges, edge)
			}
		}
	}

	if items == 0 {
		return pkg.Graph{}, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	return graph, nil
}

// PatchNodeData sets data.<field> for each patched field. Other fields of
// the node, including ones written concurrently by other services, are not
// touched.
func (s *DynamoCanvasStore) PatchNodeData(ctx context.Context, canvasID, nodeID string, patch pkg.NodePatch) error {
	if len(patch) == 0 {
		return nil
	}

	fields := make([]string, 0, len(patch))
	for k := range patch {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var update expression.UpdateBuilder
	for _, field := range fields {
		update = update.Set(expression.Name("data."+field), expression.Value(patch[field]))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.Name(canvasSortKey).AttributeExists()).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build node patch: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			canvasPartitionKey: &types.AttributeValueMemberS{Value: canvasID},
			canvasSortKey:      &types.AttributeValueMemberS{Value: NodeItemKey(nodeID)},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("node %s on canvas %s: %w", nodeID, canvasID, ErrNotFound)
		}
		return fmt.Errorf("failed to patch node %s: %w", nodeID, err)
	}
	return nil
}
