// Package dynamodb provides the DynamoDB Store Adapter backend using a
// single-table layout: records are partitioned by scope, with a GSI keyed by
// owner for quota accounting.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

// Store implements abstractions.Store on DynamoDB.
type Store struct {
	client     *dynamodb.Client
	tableName  string
	ownerIndex string
	logger     *zap.Logger
}

// NewStore creates a DynamoDB-backed store.
func NewStore(client *dynamodb.Client, tableName, ownerIndex string, logger *zap.Logger) *Store {
	return &Store{
		client:     client,
		tableName:  tableName,
		ownerIndex: ownerIndex,
		logger:     logger,
	}
}

func scopePK(scope string) string      { return fmt.Sprintf("SCOPE#%s", scope) }
func nodeSK(id string) string          { return fmt.Sprintf("NODE#%s", id) }
func edgeSK(id string) string          { return fmt.Sprintf("EDGE#%s", id) }
func linkSK(edgeID string, role graph.LinkRole) string {
	return fmt.Sprintf("LINK#%s#%s", edgeID, role)
}
func auditSK(ts int64, id string) string { return fmt.Sprintf("AUDIT#%013d#%s", ts, id) }

// nodeItem is the DynamoDB item structure for a node.
type nodeItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	GSI1PK     string `dynamodbav:"GSI1PK,omitempty"` // OWNER#<ownerId>
	GSI1SK     string `dynamodbav:"GSI1SK,omitempty"`
	EntityType string `dynamodbav:"EntityType"`
	Record     graph.Node `dynamodbav:"Record"`
	Version    int64  `dynamodbav:"Version"`
	Bytes      int64  `dynamodbav:"Bytes"`
}

type edgeItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	GSI1PK     string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK     string `dynamodbav:"GSI1SK,omitempty"`
	EntityType string `dynamodbav:"EntityType"`
	Record     graph.Edge `dynamodbav:"Record"`
	Version    int64  `dynamodbav:"Version"`
	Bytes      int64  `dynamodbav:"Bytes"`
}

type linkItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	Record     graph.Link `dynamodbav:"Record"`
}

type auditItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	Record     graph.AuditEntry `dynamodbav:"Record"`
	Timestamp  int64  `dynamodbav:"Timestamp"`
}

// CreateNode inserts a node, failing on duplicate id.
func (s *Store) CreateNode(ctx context.Context, node *graph.Node) error {
	item := nodeItem{
		PK:         scopePK(node.Scope),
		SK:         nodeSK(node.ID),
		EntityType: "NODE",
		Record:     *node,
		Version:    node.Version,
		Bytes:      approxBytes(node),
	}
	if node.OwnerID != "" {
		item.GSI1PK = fmt.Sprintf("OWNER#%s", node.OwnerID)
		item.GSI1SK = item.SK
	}
	return s.putNew(ctx, item, "node")
}

// GetNode retrieves a node by scope and id.
func (s *Store) GetNode(ctx context.Context, scope, nodeID string) (*graph.Node, error) {
	var item nodeItem
	if err := s.getItem(ctx, scopePK(scope), nodeSK(nodeID), &item, "node"); err != nil {
		return nil, err
	}
	return &item.Record, nil
}

// UpdateNode writes a node conditioned on the stored version being exactly
// one behind the incoming record.
func (s *Store) UpdateNode(ctx context.Context, node *graph.Node) error {
	item := nodeItem{
		PK:         scopePK(node.Scope),
		SK:         nodeSK(node.ID),
		EntityType: "NODE",
		Record:     *node,
		Version:    node.Version,
		Bytes:      approxBytes(node),
	}
	if node.OwnerID != "" {
		item.GSI1PK = fmt.Sprintf("OWNER#%s", node.OwnerID)
		item.GSI1SK = item.SK
	}
	return s.putVersioned(ctx, item, node.Version-1, "node")
}

// DeleteNode removes a node; missing nodes are a no-op.
func (s *Store) DeleteNode(ctx context.Context, scope, nodeID string) error {
	return s.deleteItem(ctx, scopePK(scope), nodeSK(nodeID))
}

// ListNodes returns all nodes in a scope.
func (s *Store) ListNodes(ctx context.Context, scope string) ([]*graph.Node, error) {
	items, err := s.queryPrefix(ctx, scope, "NODE#")
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Node, 0, len(items))
	for _, raw := range items {
		var item nodeItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			s.logger.Warn("skipping unreadable node item", zap.Error(err))
			continue
		}
		record := item.Record
		out = append(out, &record)
	}
	return out, nil
}

// CreateEdge inserts an edge, failing on duplicate id.
func (s *Store) CreateEdge(ctx context.Context, edge *graph.Edge) error {
	item := edgeItem{
		PK:         scopePK(edge.Scope),
		SK:         edgeSK(edge.ID),
		EntityType: "EDGE",
		Record:     *edge,
		Version:    edge.Version,
		Bytes:      approxBytes(edge),
	}
	if edge.LastEditorID != "" {
		item.GSI1PK = fmt.Sprintf("OWNER#%s", edge.LastEditorID)
		item.GSI1SK = item.SK
	}
	return s.putNew(ctx, item, "edge")
}

// GetEdge retrieves an edge by scope and id.
func (s *Store) GetEdge(ctx context.Context, scope, edgeID string) (*graph.Edge, error) {
	var item edgeItem
	if err := s.getItem(ctx, scopePK(scope), edgeSK(edgeID), &item, "edge"); err != nil {
		return nil, err
	}
	return &item.Record, nil
}

// UpdateEdge writes an edge with the compare-and-set version rule.
func (s *Store) UpdateEdge(ctx context.Context, edge *graph.Edge) error {
	item := edgeItem{
		PK:         scopePK(edge.Scope),
		SK:         edgeSK(edge.ID),
		EntityType: "EDGE",
		Record:     *edge,
		Version:    edge.Version,
		Bytes:      approxBytes(edge),
	}
	if edge.LastEditorID != "" {
		item.GSI1PK = fmt.Sprintf("OWNER#%s", edge.LastEditorID)
		item.GSI1SK = item.SK
	}
	return s.putVersioned(ctx, item, edge.Version-1, "edge")
}

// DeleteEdge removes an edge; missing edges are a no-op.
func (s *Store) DeleteEdge(ctx context.Context, scope, edgeID string) error {
	return s.deleteItem(ctx, scopePK(scope), edgeSK(edgeID))
}

// ListEdges returns all edges in a scope.
func (s *Store) ListEdges(ctx context.Context, scope string) ([]*graph.Edge, error) {
	items, err := s.queryPrefix(ctx, scope, "EDGE#")
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Edge, 0, len(items))
	for _, raw := range items {
		var item edgeItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			s.logger.Warn("skipping unreadable edge item", zap.Error(err))
			continue
		}
		record := item.Record
		out = append(out, &record)
	}
	return out, nil
}

// CreateLink binds a node to an edge endpoint. The sort key encodes the role
// so the "one source, one target" invariant is a plain uniqueness condition.
func (s *Store) CreateLink(ctx context.Context, link *graph.Link) error {
	item := linkItem{
		PK:         scopePK(link.Scope),
		SK:         linkSK(link.EdgeID, link.Role),
		EntityType: "LINK",
		Record:     *link,
	}
	err := s.putNew(ctx, item, "edge "+string(link.Role)+" link")
	if pkgerrors.IsDuplicate(err) {
		// Same binding replayed is fine; a different node on the same role is not.
		var existing linkItem
		if getErr := s.getItem(ctx, item.PK, item.SK, &existing, "link"); getErr == nil &&
			existing.Record.NodeID == link.NodeID {
			return nil
		}
	}
	return err
}

// DeleteLinksByEdge removes both endpoint links of an edge.
func (s *Store) DeleteLinksByEdge(ctx context.Context, scope, edgeID string) error {
	for _, role := range []graph.LinkRole{graph.RoleSource, graph.RoleTarget} {
		if err := s.deleteItem(ctx, scopePK(scope), linkSK(edgeID, role)); err != nil {
			return err
		}
	}
	return nil
}

// ListLinks returns all links in a scope.
func (s *Store) ListLinks(ctx context.Context, scope string) ([]*graph.Link, error) {
	items, err := s.queryPrefix(ctx, scope, "LINK#")
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Link, 0, len(items))
	for _, raw := range items {
		var item linkItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			s.logger.Warn("skipping unreadable link item", zap.Error(err))
			continue
		}
		record := item.Record
		out = append(out, &record)
	}
	return out, nil
}

// RecordAudit appends an audit entry. The timestamp-prefixed sort key keeps
// entries range-queryable by age.
func (s *Store) RecordAudit(ctx context.Context, entry *graph.AuditEntry) error {
	item := auditItem{
		PK:         scopePK(entry.Scope),
		SK:         auditSK(entry.Timestamp, entry.ID),
		EntityType: "AUDIT",
		Record:     *entry,
		Timestamp:  entry.Timestamp,
	}
	raw, err := attributevalue.MarshalMap(item)
	if err != nil {
		return pkgerrors.NewInternalError("marshaling audit entry").WithCause(err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      raw,
	})
	return classify(err, "recording audit entry")
}

// ListAudit returns audit entries for a scope at or after the given time.
func (s *Store) ListAudit(ctx context.Context, scope string, since time.Time, limit int) ([]*graph.AuditEntry, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(scopePK(scope))).
		And(expression.Key("SK").GreaterThanEqual(expression.Value(auditSK(since.UnixMilli(), ""))))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("building audit query").WithCause(err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	var out []*graph.AuditEntry
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "listing audit entries")
		}
		for _, raw := range page.Items {
			var item auditItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			record := item.Record
			out = append(out, &record)
		}
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
	}
	return out, nil
}

// PurgeAuditBefore deletes audit entries older than the cutoff. DynamoDB has
// no range delete, so this scans the audit partition keys and deletes in
// batches; it runs from the retention sweeper, not a request path.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	filter := expression.Name("EntityType").Equal(expression.Value("AUDIT")).
		And(expression.Name("Timestamp").LessThan(expression.Value(cutoff.UnixMilli())))
	expr, err := expression.NewBuilder().WithFilter(filter).
		WithProjection(expression.NamesList(expression.Name("PK"), expression.Name("SK"))).Build()
	if err != nil {
		return 0, pkgerrors.NewInternalError("building audit purge scan").WithCause(err)
	}
	removed := 0
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, classify(err, "scanning audit entries")
		}
		for _, raw := range page.Items {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": raw["PK"],
					"SK": raw["SK"],
				},
			})
			if err != nil {
				return removed, classify(err, "purging audit entry")
			}
			removed++
		}
	}
	return removed, nil
}

// Quota sums a user's live record counts and bytes via the owner GSI.
func (s *Store) Quota(ctx context.Context, userID string) (abstractions.QuotaUsage, error) {
	var usage abstractions.QuotaUsage
	keyCond := expression.Key("GSI1PK").Equal(expression.Value(fmt.Sprintf("OWNER#%s", userID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).
		WithProjection(expression.NamesList(
			expression.Name("EntityType"), expression.Name("Bytes"))).Build()
	if err != nil {
		return usage, pkgerrors.NewInternalError("building quota query").WithCause(err)
	}
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(s.ownerIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return usage, classify(err, "querying quota usage")
		}
		for _, raw := range page.Items {
			var rec struct {
				EntityType string `dynamodbav:"EntityType"`
				Bytes      int64  `dynamodbav:"Bytes"`
			}
			if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
				continue
			}
			switch rec.EntityType {
			case "NODE":
				usage.NodeCount++
			case "EDGE":
				usage.EdgeCount++
			}
			usage.TotalBytes += rec.Bytes
		}
	}
	return usage, nil
}

// StoreSize reports the table's total size as tracked by DynamoDB.
func (s *Store) StoreSize(ctx context.Context) (int64, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return 0, classify(err, "describing table")
	}
	if out.Table == nil || out.Table.TableSizeBytes == nil {
		return 0, nil
	}
	return *out.Table.TableSizeBytes, nil
}

// putNew writes an item only if no item with the same key exists.
func (s *Store) putNew(ctx context.Context, item any, resource string) error {
	raw, err := attributevalue.MarshalMap(item)
	if err != nil {
		return pkgerrors.NewInternalError("marshaling " + resource).WithCause(err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                raw,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if isConditionFailed(err) {
		return pkgerrors.NewDuplicateError(resource)
	}
	return classify(err, "creating "+resource)
}

// putVersioned writes an item only if the stored Version equals expected.
func (s *Store) putVersioned(ctx context.Context, item any, expected int64, resource string) error {
	raw, err := attributevalue.MarshalMap(item)
	if err != nil {
		return pkgerrors.NewInternalError("marshaling " + resource).WithCause(err)
	}
	expected64 := expected
	expectedAttr, err := attributevalue.Marshal(expected64)
	if err != nil {
		return pkgerrors.NewInternalError("marshaling expected version").WithCause(err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                raw,
		ConditionExpression: aws.String("Version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": expectedAttr,
		},
	})
	if isConditionFailed(err) {
		return pkgerrors.NewConflictError(resource + " version mismatch")
	}
	return classify(err, "updating "+resource)
}

func (s *Store) getItem(ctx context.Context, pk, sk string, out any, resource string) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return classify(err, "reading "+resource)
	}
	if len(result.Item) == 0 {
		return pkgerrors.NewNotFoundError(resource)
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return pkgerrors.NewInternalError("unmarshaling " + resource).WithCause(err)
	}
	return nil
}

func (s *Store) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	return classify(err, "deleting record")
}

func (s *Store) queryPrefix(ctx context.Context, scope, prefix string) ([]map[string]types.AttributeValue, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(scopePK(scope))).
		And(expression.Key("SK").BeginsWith(prefix))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, pkgerrors.NewInternalError("building scope query").WithCause(err)
	}
	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "querying scope records")
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify maps an AWS error onto the module taxonomy: throttling and
// server-side hiccups become transient (retryable), everything else is
// surfaced as a permanent store failure.
func classify(err error, operation string) error {
	if err == nil {
		return nil
	}
	if isTransientAWS(err) {
		return pkgerrors.NewTransientError(operation, err)
	}
	return pkgerrors.NewInternalError("store operation failed: " + operation).WithCause(err)
}

func isTransientAWS(err error) bool {
	switch err.(type) {
	case *types.ProvisionedThroughputExceededException,
		*types.RequestLimitExceeded,
		*types.InternalServerError,
		*types.LimitExceededException:
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "RequestTimeout", "RequestLimitExceeded":
			return true
		}
	}
	return false
}

func approxBytes(v any) int64 {
	raw, err := attributevalue.MarshalMap(v)
	if err != nil {
		return 0
	}
	// Rough per-attribute accounting; close enough for quota purposes.
	var total int64
	for k := range raw {
		total += int64(len(k)) + 32
	}
	return total
}
