// Package scope resolves which project, crate, module or file a request
// targets and detects identifier conflicts between positional arguments
// and identifiers embedded in request payloads.
package scope

import (
	"errors"
	"fmt"
)

// ErrConflictingScope means an identifier supplied positionally disagrees
// with one embedded in the payload. The request is rejected; neither side
// is silently preferred.
var ErrConflictingScope = errors.New("conflicting scope identifiers")

// Filter constrains an operation to a project and optionally narrower
// paths inside it. The zero value means unscoped.
type Filter struct {
	ProjectID  string `json:"project_id"`
	CratePath  string `json:"crate_path,omitempty"`
	ModulePath string `json:"module_path,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// IsZero reports whether no identifier is set.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// ProjectScoped returns f narrowed to its project only, the default for
// writes that carry no explicit narrower scope.
func (f Filter) ProjectScoped() Filter {
	return Filter{ProjectID: f.ProjectID}
}

// Resolve merges the positional and payload-embedded filters. Each field
// resolves to whichever side set it; a field set on both sides with
// different values fails with ErrConflictingScope naming the field.
func Resolve(positional, embedded Filter) (Filter, error) {
	out := Filter{}

	var err error
	out.ProjectID, err = mergeField("project_id", positional.ProjectID, embedded.ProjectID)
	if err != nil {
		return Filter{}, err
	}
	out.CratePath, err = mergeField("crate_path", positional.CratePath, embedded.CratePath)
	if err != nil {
		return Filter{}, err
	}
	out.ModulePath, err = mergeField("module_path", positional.ModulePath, embedded.ModulePath)
	if err != nil {
		return Filter{}, err
	}
	out.FilePath, err = mergeField("file_path", positional.FilePath, embedded.FilePath)
	if err != nil {
		return Filter{}, err
	}
	return out, nil
}

func mergeField(name, positional, embedded string) (string, error) {
	switch {
	case positional == "":
		return embedded, nil
	case embedded == "" || embedded == positional:
		return positional, nil
	default:
		return "", fmt.Errorf("%w: %s %q (positional) vs %q (payload)",
			ErrConflictingScope, name, positional, embedded)
	}
}
