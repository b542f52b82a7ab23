package vector

import (
	"strings"
	"sync"
)

// FieldSchema is a payload index type.
type FieldSchema string

const (
	SchemaKeyword FieldSchema = "keyword"
	SchemaInteger FieldSchema = "integer"
	SchemaFloat   FieldSchema = "float"
	SchemaBool    FieldSchema = "bool"
)

var (
	integerColumns = map[string]bool{
		"int": true, "integer": true, "bigint": true, "smallint": true,
		"tinyint": true, "mediumint": true, "serial": true, "bigserial": true,
	}
	floatColumns = map[string]bool{
		"float": true, "double": true, "decimal": true, "numeric": true, "real": true,
	}
	boolColumns = map[string]bool{
		"bool": true, "boolean": true,
	}
	keywordColumns = map[string]bool{
		"uuid": true, "guid": true, "string": true, "text": true,
		"varchar": true, "char": true, "enum": true,
	}
)

// InferFieldSchema picks the index type for a payload field. Rules apply in
// order; ID-shaped names win over column types because ids may be integers
// in one deployment and UUIDs in another.
func InferFieldSchema(name, columnType string) FieldSchema {
	lowerName := strings.ToLower(name)
	lowerType := strings.ToLower(columnType)

	switch {
	case lowerName == "id" || strings.HasSuffix(lowerName, "_id"):
		return SchemaKeyword
	case integerColumns[lowerType]:
		return SchemaInteger
	case floatColumns[lowerType]:
		return SchemaFloat
	case boolColumns[lowerType]:
		return SchemaBool
	case keywordColumns[lowerType]:
		return SchemaKeyword
	case strings.HasPrefix(lowerName, "is_") || strings.HasPrefix(lowerName, "has_"):
		return SchemaBool
	default:
		return SchemaKeyword
	}
}

// FieldSpec describes one indexable column of a model.
type FieldSpec struct {
	Name       string
	ColumnType string
}

// ModelSpec declares the vector-search surface of one model class: which
// foreign keys and custom fields get payload indexes and which filter every
// search for that class must carry.
type ModelSpec struct {
	Class string
	// ForeignKeys are the belongs-to columns of the model.
	ForeignKeys []FieldSpec
	// CustomIndexes are extra declared indexes, overriding inference.
	CustomIndexes map[string]FieldSchema
	// SearchFilter is merged into every search for this class.
	SearchFilter map[string]any
}

// ModelRegistry holds ModelSpecs keyed by class tag. Registration happens
// at startup; lookups are concurrent.
type ModelRegistry struct {
	mu    sync.RWMutex
	specs map[string]ModelSpec
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{specs: make(map[string]ModelSpec)}
}

// Register adds or replaces the spec for its class.
func (r *ModelRegistry) Register(spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Class] = spec
}

// Get returns the spec for class.
func (r *ModelRegistry) Get(class string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[class]
	return spec, ok
}

// IndexFields returns the full field→schema index set for class: the
// configured base fields, the model's foreign keys, then its custom
// indexes. Later sources override earlier ones.
func (r *ModelRegistry) IndexFields(class string, baseFields []string) map[string]FieldSchema {
	fields := make(map[string]FieldSchema, len(baseFields))
	for _, name := range baseFields {
		fields[name] = InferFieldSchema(name, "")
	}
	spec, ok := r.Get(class)
	if !ok {
		return fields
	}
	for _, fk := range spec.ForeignKeys {
		fields[fk.Name] = InferFieldSchema(fk.Name, fk.ColumnType)
	}
	for name, schema := range spec.CustomIndexes {
		fields[name] = schema
	}
	return fields
}
