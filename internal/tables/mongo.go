package tables

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/danmuck/rfcctl/internal/rfc"
)

// MongoTable maps a table to a collection. Keys maps field names to
// document keys; unmapped fields use the field name.
type MongoTable struct {
	Collection string
	Fields     []rfc.FieldDescriptor
	Keys       map[string]string
}

func (t MongoTable) key(field string) string {
	if k, ok := t.Keys[field]; ok && k != "" {
		return k
	}
	return field
}

// MongoSource reads tables from MongoDB collections. Character-like fields
// are expected to be stored as strings in their canonical form.
type MongoSource struct {
	db     *mongo.Database
	tables map[string]MongoTable
}

// ConnectMongo connects to uri and pings the primary.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tables: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("tables: mongo ping: %w", err)
	}
	return client, nil
}

func NewMongoSource(db *mongo.Database, tables map[string]MongoTable) (*MongoSource, error) {
	norm := make(map[string]MongoTable, len(tables))
	for name, t := range tables {
		name = rfc.NormalizeName(name)
		fields, err := normalizeFields(t.Fields)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		keys := make(map[string]string, len(t.Keys))
		for f, k := range t.Keys {
			keys[rfc.NormalizeName(f)] = k
		}
		if t.Collection == "" {
			t.Collection = name
		}
		norm[name] = MongoTable{Collection: t.Collection, Fields: fields, Keys: keys}
	}
	return &MongoSource{db: db, tables: norm}, nil
}

func (m *MongoSource) table(name string) (MongoTable, error) {
	t, ok := m.tables[rfc.NormalizeName(name)]
	if !ok {
		return MongoTable{}, fmt.Errorf("%w: %s", ErrTableNotFound, rfc.NormalizeName(name))
	}
	return t, nil
}

func (m *MongoSource) Describe(_ context.Context, table string) ([]rfc.FieldDescriptor, error) {
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	return append([]rfc.FieldDescriptor(nil), t.Fields...), nil
}

func (m *MongoSource) Scan(ctx context.Context, table string, s Scan) ([]Row, error) {
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	where := s.Where
	if where == nil {
		where = True{}
	}
	filter, err := Filter(where, t)
	if err != nil {
		return nil, err
	}
	projection := bson.M{"_id": 0}
	for _, f := range t.Fields {
		projection[t.key(f.Name)] = 1
	}
	opts := options.Find().
		SetProjection(projection).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	if s.Skip > 0 {
		opts.SetSkip(int64(s.Skip))
	}
	if s.Count > 0 {
		opts.SetLimit(int64(s.Count))
	}
	cur, err := m.db.Collection(t.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("tables: mongo find %s: %w", t.Collection, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("tables: mongo read %s: %w", t.Collection, err)
	}
	rows := make([]Row, 0, len(docs))
	for _, doc := range docs {
		raw := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			if v, ok := doc[t.key(f.Name)]; ok {
				raw[f.Name] = fromBSON(v)
			}
		}
		row, err := Normalize(t.Fields, raw)
		if err != nil {
			return nil, fmt.Errorf("tables: %s: %w", table, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func fromBSON(v any) any {
	switch x := v.(type) {
	case primitive.DateTime:
		return time.Unix(0, int64(x)*int64(time.Millisecond)).UTC()
	case primitive.Decimal128:
		return x.String()
	case int32:
		return int64(x)
	}
	return v
}

// Filter translates a where clause into a MongoDB query filter for t.
func Filter(e Expr, t MongoTable) (bson.M, error) {
	fields := make(map[string]rfc.FieldDescriptor, len(t.Fields))
	for _, f := range t.Fields {
		fields[f.Name] = f
	}
	tr := translator{t: t, fields: fields}
	return tr.expr(e)
}

type translator struct {
	t      MongoTable
	fields map[string]rfc.FieldDescriptor
}

var mongoOps = map[Op]string{
	OpEQ: "$eq",
	OpNE: "$ne",
	OpLT: "$lt",
	OpLE: "$lte",
	OpGT: "$gt",
	OpGE: "$gte",
}

func (tr translator) field(name string) (string, rfc.FieldDescriptor, error) {
	f, ok := tr.fields[name]
	if !ok {
		return "", rfc.FieldDescriptor{}, fmt.Errorf("tables: unknown field %s in where clause", name)
	}
	return tr.t.key(name), f, nil
}

// value renders a literal in the stored type of f.
func (tr translator) value(f rfc.FieldDescriptor, lit Literal) any {
	switch f.Kind {
	case rfc.KindNumc:
		// quoted or not, digits compare as the zero-padded stored text
		if digitsOnly(strings.TrimSpace(lit.Text)) {
			if v, err := rfc.Coerce(f, strings.TrimSpace(lit.Text)); err == nil {
				return v
			}
		}
	case rfc.KindInt:
		if n, err := strconv.ParseInt(lit.Text, 10, 64); err == nil {
			return n
		}
	case rfc.KindFloat, rfc.KindDec:
		if x, err := strconv.ParseFloat(lit.Text, 64); err == nil {
			return x
		}
	}
	return lit.Text
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (tr translator) expr(e Expr) (bson.M, error) {
	switch x := e.(type) {
	case True:
		return bson.M{}, nil
	case Compare:
		key, k, err := tr.field(x.Field)
		if err != nil {
			return nil, err
		}
		v := tr.value(k, x.Value)
		if x.Op == OpEQ {
			return bson.M{key: v}, nil
		}
		return bson.M{key: bson.M{mongoOps[x.Op]: v}}, nil
	case *Like:
		key, _, err := tr.field(x.Field)
		if err != nil {
			return nil, err
		}
		re := primitive.Regex{Pattern: likeRegexp(x.Pattern)}
		if x.Negate {
			return bson.M{key: bson.M{"$not": re}}, nil
		}
		return bson.M{key: bson.M{"$regex": re}}, nil
	case In:
		key, k, err := tr.field(x.Field)
		if err != nil {
			return nil, err
		}
		vals := make(bson.A, len(x.Values))
		for i, lit := range x.Values {
			vals[i] = tr.value(k, lit)
		}
		op := "$in"
		if x.Negate {
			op = "$nin"
		}
		return bson.M{key: bson.M{op: vals}}, nil
	case Between:
		key, k, err := tr.field(x.Field)
		if err != nil {
			return nil, err
		}
		low, high := tr.value(k, x.Low), tr.value(k, x.High)
		if x.Negate {
			return bson.M{"$or": bson.A{
				bson.M{key: bson.M{"$lt": low}},
				bson.M{key: bson.M{"$gt": high}},
			}}, nil
		}
		return bson.M{key: bson.M{"$gte": low, "$lte": high}}, nil
	case And:
		l, r, err := tr.pair(x.Left, x.Right)
		if err != nil {
			return nil, err
		}
		return bson.M{"$and": bson.A{l, r}}, nil
	case Or:
		l, r, err := tr.pair(x.Left, x.Right)
		if err != nil {
			return nil, err
		}
		return bson.M{"$or": bson.A{l, r}}, nil
	case Not:
		inner, err := tr.expr(x.Inner)
		if err != nil {
			return nil, err
		}
		return bson.M{"$nor": bson.A{inner}}, nil
	}
	return nil, fmt.Errorf("tables: cannot translate %T", e)
}

func (tr translator) pair(a, b Expr) (bson.M, bson.M, error) {
	l, err := tr.expr(a)
	if err != nil {
		return nil, nil, err
	}
	r, err := tr.expr(b)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}
