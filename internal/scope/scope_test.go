package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMerges(t *testing.T) {
	got, err := Resolve(
		Filter{ProjectID: "proj"},
		Filter{ModulePath: "pkg/api"},
	)
	require.NoError(t, err)
	assert.Equal(t, Filter{ProjectID: "proj", ModulePath: "pkg/api"}, got)
}

func TestResolveAgreementIsNotConflict(t *testing.T) {
	got, err := Resolve(
		Filter{ProjectID: "proj", FilePath: "a.go"},
		Filter{ProjectID: "proj", FilePath: "a.go"},
	)
	require.NoError(t, err)
	assert.Equal(t, "proj", got.ProjectID)
	assert.Equal(t, "a.go", got.FilePath)
}

func TestResolveConflictNamesField(t *testing.T) {
	tests := []struct {
		name       string
		positional Filter
		embedded   Filter
		field      string
	}{
		{"project", Filter{ProjectID: "a"}, Filter{ProjectID: "b"}, "project_id"},
		{"crate", Filter{CratePath: "x"}, Filter{CratePath: "y"}, "crate_path"},
		{"module", Filter{ModulePath: "x"}, Filter{ModulePath: "y"}, "module_path"},
		{"file", Filter{FilePath: "x"}, Filter{FilePath: "y"}, "file_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.positional, tt.embedded)
			require.ErrorIs(t, err, ErrConflictingScope)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestResolveEmptySides(t *testing.T) {
	got, err := Resolve(Filter{}, Filter{})
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = Resolve(Filter{}, Filter{ProjectID: "proj"})
	require.NoError(t, err)
	assert.Equal(t, "proj", got.ProjectID)
}

func TestProjectScoped(t *testing.T) {
	f := Filter{ProjectID: "proj", CratePath: "c", ModulePath: "m", FilePath: "f"}
	assert.Equal(t, Filter{ProjectID: "proj"}, f.ProjectScoped())
}
