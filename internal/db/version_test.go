package db

import (
	"errors"
	"testing"
	"testing/fstest"
)

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
		want  int
	}{
		{"empty", fstest.MapFS{}, 0},
		{"ordered", fstest.MapFS{"001_a.sql": {}, "002_b.sql": {}}, 2},
		{"gap", fstest.MapFS{"001_a.sql": {}, "010_b.sql": {}}, 10},
		{"ignores non sql", fstest.MapFS{"001_a.sql": {}, "embed.go": {}, "005_notes.md": {}}, 1},
		{"ignores unnumbered", fstest.MapFS{"seed.sql": {}, "x_y.sql": {}, "003_c.sql": {}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := latestVersion(tt.files); got != tt.want {
				t.Errorf("latestVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSchemaVersion(t *testing.T) {
	if v := SchemaVersion(); v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}
}

func TestCheckSchema(t *testing.T) {
	if err := CheckSchema(SchemaVersion()); err != nil {
		t.Errorf("current schema: %v", err)
	}
	if err := CheckSchema(SchemaVersion() + 1); err != nil {
		t.Errorf("newer schema: %v", err)
	}
	if err := CheckSchema(0); !errors.Is(err, ErrSchemaBehind) {
		t.Errorf("empty schema: err = %v, want ErrSchemaBehind", err)
	}
}
