package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Vhost: {
	host: string
	port: int
}
`

	if err := sr.RegisterSchema("vhost", "#Vhost", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("vhost")
	if !ok {
		t.Fatal("expected to find vhost schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.ValidateAgainstSchema(context.Background(), "vhost", map[string]any{"host": "a.test", "port": 80}); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "vhost", map[string]any{"host": "a.test", "port": "80"}); err == nil {
		t.Error("expected error for string port")
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken", `#Broken: {`); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#Missing", `#Other: {}`); err == nil {
		t.Error("expected missing definition error")
	}
	if _, ok := sr.GetSchema("broken"); ok {
		t.Error("broken schema should not be registered")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	got := NewSchemaRegistry().ListSchemas()
	want := []string{SchemaLampbox, SchemaSite}
	if len(got) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchemaRegistry_ValidateSite(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		item    map[string]any
		wantErr bool
	}{
		{
			name: "minimal",
			item: map[string]any{"id": "blog", "host": "blog.test"},
		},
		{
			name: "full",
			item: map[string]any{
				"id":        "shop",
				"host":      "shop.test",
				"webroot":   "public",
				"aliases":   "www.shop.test",
				"framework": "magento",
				"database": []any{
					map[string]any{
						"db_name":   "shop",
						"db_user":   "shop",
						"db_pass":   "shop",
						"db_prefix": "mage_",
						"db_copy": map[string]any{
							"ssh_host":        "prod.example.com",
							"ssh_user":        "deploy",
							"ssh_private_key": "keys/id_rsa",
							"ssh_port":        2222,
							"remote_database": "shop_prod",
						},
					},
				},
				"rsync": []any{
					map[string]any{
						"ssh_host":           "prod.example.com",
						"ssh_user":           "deploy",
						"ssh_private_key":    "keys/id_rsa",
						"remote_source_path": "/var/www/media",
						"local_target_path":  "media",
					},
				},
				"notes": "extra fields are allowed",
			},
		},
		{
			name:    "missing host",
			item:    map[string]any{"id": "blog"},
			wantErr: true,
		},
		{
			name:    "host with spaces",
			item:    map[string]any{"id": "blog", "host": "blog test"},
			wantErr: true,
		},
		{
			name:    "unknown framework",
			item:    map[string]any{"id": "blog", "host": "blog.test", "framework": "joomla"},
			wantErr: true,
		},
		{
			name: "bad database identifier",
			item: map[string]any{
				"id": "blog", "host": "blog.test",
				"database": []any{map[string]any{"db_name": "blog; drop"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateSite(ctx, tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSite() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
