package vector

import "testing"

func TestInferFieldSchema(t *testing.T) {
	cases := []struct {
		name       string
		columnType string
		want       FieldSchema
	}{
		// ID-shaped names win regardless of column type.
		{"user_id", "bigint", SchemaKeyword},
		{"id", "int", SchemaKeyword},
		{"tenant_id", "uuid", SchemaKeyword},

		{"amount", "bigint", SchemaInteger},
		{"count", "smallint", SchemaInteger},
		{"price", "decimal", SchemaFloat},
		{"score", "double", SchemaFloat},
		{"active", "boolean", SchemaBool},
		{"title", "varchar", SchemaKeyword},
		{"ref", "uuid", SchemaKeyword},

		// Name heuristics apply when the column type is unknown.
		{"is_published", "", SchemaBool},
		{"has_attachments", "", SchemaBool},

		// Known boolean column type beats the is_/has_ heuristic order.
		{"is_visible", "boolean", SchemaBool},

		{"status", "", SchemaKeyword},
		{"anything", "blob", SchemaKeyword},
	}
	for _, tc := range cases {
		if got := InferFieldSchema(tc.name, tc.columnType); got != tc.want {
			t.Errorf("InferFieldSchema(%q, %q) = %q, want %q", tc.name, tc.columnType, got, tc.want)
		}
	}
}

func TestModelRegistryIndexFields(t *testing.T) {
	reg := NewModelRegistry()
	reg.Register(ModelSpec{
		Class: "Invoice",
		ForeignKeys: []FieldSpec{
			{Name: "customer_id", ColumnType: "bigint"},
			{Name: "project_id", ColumnType: "uuid"},
		},
		CustomIndexes: map[string]FieldSchema{
			"total": SchemaFloat,
			// Override the base-set inference for status.
			"status": SchemaKeyword,
		},
	})

	base := []string{"user_id", "tenant_id", "status"}
	fields := reg.IndexFields("Invoice", base)

	want := map[string]FieldSchema{
		"user_id":     SchemaKeyword,
		"tenant_id":   SchemaKeyword,
		"status":      SchemaKeyword,
		"customer_id": SchemaKeyword,
		"project_id":  SchemaKeyword,
		"total":       SchemaFloat,
	}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for name, schema := range want {
		if fields[name] != schema {
			t.Errorf("fields[%q] = %q, want %q", name, fields[name], schema)
		}
	}
}

func TestModelRegistryUnknownClass(t *testing.T) {
	reg := NewModelRegistry()
	fields := reg.IndexFields("Missing", []string{"user_id"})
	if len(fields) != 1 || fields["user_id"] != SchemaKeyword {
		t.Errorf("fields = %v, want base set only", fields)
	}
}

func TestPointIDs(t *testing.T) {
	a := PointID("Invoice", "42")
	b := PointID("Invoice", "42")
	if a != b {
		t.Error("PointID is not stable")
	}
	if PointID("Invoice", "42") == PointID("Order", "42") {
		t.Error("model class must discriminate point ids")
	}
	if ChunkPointID("Invoice", "42", 0) == ChunkPointID("Invoice", "42", 1) {
		t.Error("chunk index must discriminate point ids")
	}
	if ChunkPointID("Invoice", "42", 0) == a {
		t.Error("chunked and unchunked ids must differ")
	}
}
