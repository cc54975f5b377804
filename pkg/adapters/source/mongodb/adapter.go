package mongodb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

const defaultPort = 27017

// Adapter is the MongoDB source adapter. Collections map to tables with the
// database name standing in for the schema, and a sampled document stands in
// for column metadata.
type Adapter struct {
	client *mongo.Client
	info   *source.ConnInfo
	logger *zap.Logger
}

var _ source.Conn = (*Adapter)(nil)

// buildURI passes a mongodb:// conninfo through untouched; the key=value
// form is assembled into a URI with the Docker host rewrite applied.
func buildURI(info *source.ConnInfo) string {
	if strings.HasPrefix(info.Scheme, "mongodb") {
		return info.Raw
	}

	u := &url.URL{
		Scheme: "mongodb",
		User:   url.UserPassword(info.User, info.Password),
		Host: fmt.Sprintf("%s:%d",
			config.ResolveHostForDocker(info.Host), info.PortOrDefault(defaultPort)),
		Path: "/" + info.Database,
	}
	if authSource, ok := info.Params["authsource"]; ok {
		u.RawQuery = url.Values{"authSource": []string{authSource}}.Encode()
	}
	return u.String()
}

// New wraps an existing client. Tests inject their own.
func New(client *mongo.Client, info *source.ConnInfo, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, info: info, logger: logger.Named("source.mongodb")}
}

// Open parses conninfo and connects a client.
func Open(ctx context.Context, conninfo string, logger *zap.Logger) (source.Conn, error) {
	info, err := source.ParseConnInfo(conninfo)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(buildURI(info)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	return New(client, info, logger), nil
}

func (a *Adapter) Engine() models.DBEngine { return models.EngineMongoDB }

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// database falls back to the conninfo database when the caller passes an
// empty schema, since catalog rows always carry the database name.
func (a *Adapter) database(schemaName string) *mongo.Database {
	if schemaName == "" {
		schemaName = a.info.Database
	}
	return a.client.Database(schemaName)
}

func (a *Adapter) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	db := a.database("")
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	sort.Strings(names)

	tables := make([]source.TableInfo, 0, len(names))
	for _, name := range names {
		count, err := db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count collection %s: %w", name, err)
		}
		tables = append(tables, source.TableInfo{
			SchemaName: db.Name(),
			TableName:  name,
			RowCount:   count,
		})
	}
	return tables, nil
}

// DiscoverColumns infers fields from one sampled document. Empty collections
// report no columns.
func (a *Adapter) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]source.ColumnInfo, error) {
	var sample bson.M
	err := a.database(schemaName).Collection(tableName).FindOne(ctx, bson.D{}).Decode(&sample)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sample collection %s: %w", tableName, err)
	}

	names := make([]string, 0, len(sample))
	for name := range sample {
		names = append(names, name)
	}
	sort.Strings(names)

	columns := make([]source.ColumnInfo, 0, len(names))
	for _, name := range names {
		columns = append(columns, source.ColumnInfo{
			Name:     name,
			DataType: bsonTypeName(sample[name]),
			Nullable: name != "_id",
		})
	}
	return columns, nil
}

func (a *Adapter) ColumnCount(ctx context.Context, schemaName, tableName string) (int, error) {
	columns, err := a.DiscoverColumns(ctx, schemaName, tableName)
	if err != nil {
		return 0, err
	}
	return len(columns), nil
}

func (a *Adapter) DetectTimeColumn(ctx context.Context, schemaName, tableName string) (string, error) {
	columns, err := a.DiscoverColumns(ctx, schemaName, tableName)
	if err != nil {
		return "", err
	}
	return source.FirstTimeColumn(columns), nil
}

func (a *Adapter) DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	return []string{"_id"}, nil
}

// ResolveClusterName prefers the replica set name and falls back to the
// conninfo host for standalone servers.
func (a *Adapter) ResolveClusterName(ctx context.Context) (string, error) {
	var result struct {
		SetName string `bson:"setName"`
	}
	err := a.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).
		Decode(&result)
	if err != nil {
		return "", fmt.Errorf("failed to resolve cluster name: %w", err)
	}
	if result.SetName != "" {
		return result.SetName, nil
	}
	return a.info.Host, nil
}

func (a *Adapter) CountRows(ctx context.Context, schemaName, tableName string) (int64, error) {
	count, err := a.database(schemaName).Collection(tableName).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s.%s: %w", schemaName, tableName, err)
	}
	return count, nil
}

// FetchChunk pages on _id. A hex boundary is compared as an ObjectID so
// paging follows insertion order; anything else is compared as the raw value.
func (a *Adapter) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	filter := bson.D{}
	if req.AfterPK != "" {
		var boundary any = req.AfterPK
		if oid, err := primitive.ObjectIDFromHex(req.AfterPK); err == nil {
			boundary = oid
		}
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: boundary}}})
	}
	if req.SyncColumn != "" && req.Since != nil {
		filter = append(filter, bson.E{Key: req.SyncColumn, Value: bson.D{{Key: "$gte", Value: *req.Since}}})
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if req.Limit > 0 {
		opts = opts.SetLimit(int64(req.Limit))
	}

	cursor, err := a.database(req.SchemaName).Collection(req.TableName).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk from %s.%s: %w", req.SchemaName, req.TableName, err)
	}
	defer cursor.Close(ctx)

	var docs []jsonutil.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, normalizeDocument(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cursor: %w", err)
	}
	return docs, nil
}

func (a *Adapter) Query(ctx context.Context, query string, limit int) (*source.QueryResult, error) {
	return nil, fmt.Errorf("mongodb sources do not accept SQL queries: %w", apperrors.ErrUnsupported)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return name
}

func (a *Adapter) Close(ctx context.Context) error {
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// ============================================================================
// BSON normalization
// ============================================================================

// normalizeDocument converts decoded BSON into plain JSON-friendly values so
// chunks land in the lake the same way regardless of source engine.
func normalizeDocument(raw bson.M) jsonutil.Document {
	doc := make(jsonutil.Document, len(raw))
	for key, value := range raw {
		doc[key] = normalizeValue(value)
	}
	return doc
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC()
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return base64.StdEncoding.EncodeToString(val.Data)
	case bson.M:
		return normalizeDocument(val)
	case bson.D:
		nested := make(jsonutil.Document, len(val))
		for _, elem := range val {
			nested[elem.Key] = normalizeValue(elem.Value)
		}
		return nested
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func bsonTypeName(v any) string {
	switch v.(type) {
	case primitive.ObjectID:
		return "objectId"
	case string:
		return "string"
	case bool:
		return "bool"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case primitive.DateTime:
		return "date"
	case primitive.Timestamp:
		return "timestamp"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Binary:
		return "binData"
	case bson.M, bson.D:
		return "object"
	case bson.A:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
