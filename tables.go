package standby

// DefaultTables returns the descriptors for the application tables this
// engine ships with: people identified by their external profile URL, the
// interactions recorded against them, and free-form notes. Each table
// carries a natural uniqueness constraint used for upsert matching and a
// last-modified timestamp used for conflict comparison.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{
			Name: "person",
			Columns: []Column{
				{Name: "profile_url", Type: "TEXT"},
				{Name: "full_name", Type: "TEXT"},
				{Name: "headline", Type: "TEXT"},
				{Name: "company", Type: "TEXT"},
				{Name: "location", Type: "TEXT"},
				{Name: "updated_at", Type: "TEXT"},
			},
			KeyColumns:     []string{"profile_url"},
			ModifiedColumn: "updated_at",
		},
		{
			Name: "interaction",
			Columns: []Column{
				{Name: "actor", Type: "TEXT"},
				{Name: "subject", Type: "TEXT"},
				{Name: "kind", Type: "TEXT"},
				{Name: "occurred_at", Type: "TEXT"},
				{Name: "updated_at", Type: "TEXT"},
			},
			KeyColumns:     []string{"actor", "subject", "kind"},
			ModifiedColumn: "updated_at",
		},
		{
			Name: "note",
			Columns: []Column{
				{Name: "actor", Type: "TEXT"},
				{Name: "subject", Type: "TEXT"},
				{Name: "body", Type: "TEXT"},
				{Name: "updated_at", Type: "TEXT"},
			},
			KeyColumns:     []string{"actor", "subject"},
			ModifiedColumn: "updated_at",
		},
	}
}
