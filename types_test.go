package standby

import "testing"

func TestOperation_IsValid(t *testing.T) {
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if !op.IsValid() {
			t.Errorf("%s should be valid", op)
		}
	}
	if Operation("UPSERT").IsValid() {
		t.Error("unknown operation accepted")
	}
	if Operation("").IsValid() {
		t.Error("empty operation accepted")
	}
}

func TestTableSpec_Helpers(t *testing.T) {
	spec := TableSpec{
		Name: "interaction",
		Columns: []Column{
			{Name: "actor", Type: "TEXT"},
			{Name: "subject", Type: "TEXT"},
			{Name: "kind", Type: "TEXT"},
			{Name: "updated_at", Type: "TEXT"},
		},
		KeyColumns:     []string{"actor", "subject"},
		ModifiedColumn: "updated_at",
	}

	names := spec.ColumnNames()
	if len(names) != 4 || names[0] != "actor" || names[3] != "updated_at" {
		t.Errorf("ColumnNames = %v", names)
	}

	nonKey := spec.NonKeyColumns()
	if len(nonKey) != 2 || nonKey[0] != "kind" || nonKey[1] != "updated_at" {
		t.Errorf("NonKeyColumns = %v", nonKey)
	}

	key := spec.KeyOf(Row{"actor": "a", "subject": "s", "kind": "call", "extra": 1})
	if len(key) != 2 || key["actor"] != "a" || key["subject"] != "s" {
		t.Errorf("KeyOf = %v", key)
	}
}

func TestDefaultTables(t *testing.T) {
	cfg := Config{LocalPath: "x.db", Tables: DefaultTables()}
	if err := cfg.Validate(); err != nil {
		t.Errorf("shipped table specs invalid: %v", err)
	}
}
