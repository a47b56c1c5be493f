// Package bids indexes a BIDS-organised dataset plus a preprocessing
// derivatives tree and answers per-subject queries. The index lives in a
// SQLite cache database so repeated invocations skip the filesystem walk.
package bids

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Entities holds the BIDS key-value pairs parsed from a filename, e.g.
// sub-01_ses-pre_task-rest_run-1_space-MNI_desc-preproc_bold.nii.gz.
// Absent entities are empty strings.
type Entities struct {
	Subject     string
	Session     string
	Task        string
	Run         string
	Space       string
	Description string
	Suffix      string
	Extension   string
}

// ParseEntities parses the base name of path into its BIDS entities. The last
// underscore-separated token is the suffix plus extension; every other token
// must be a key-value pair. Unknown keys are ignored rather than rejected so
// datasets with extra entities (acq-, rec-, echo-) still index.
func ParseEntities(path string) (Entities, error) {
	base := filepath.Base(path)

	var e Entities
	switch {
	case strings.HasSuffix(base, ".nii.gz"):
		e.Extension = ".nii.gz"
	case strings.HasSuffix(base, ".nii"):
		e.Extension = ".nii"
	default:
		e.Extension = filepath.Ext(base)
	}
	base = strings.TrimSuffix(base, e.Extension)

	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return Entities{}, fmt.Errorf("not a BIDS filename: %q", filepath.Base(path))
	}

	e.Suffix = parts[len(parts)-1]
	if strings.Contains(e.Suffix, "-") {
		return Entities{}, fmt.Errorf("missing suffix in BIDS filename: %q", filepath.Base(path))
	}

	for _, part := range parts[:len(parts)-1] {
		key, value, ok := strings.Cut(part, "-")
		if !ok || value == "" {
			return Entities{}, fmt.Errorf("malformed entity %q in %q", part, filepath.Base(path))
		}
		switch key {
		case "sub":
			e.Subject = value
		case "ses":
			e.Session = value
		case "task":
			e.Task = value
		case "run":
			e.Run = value
		case "space":
			e.Space = value
		case "desc":
			e.Description = value
		}
	}

	if e.Subject == "" {
		return Entities{}, fmt.Errorf("missing sub- entity in %q", filepath.Base(path))
	}

	return e, nil
}

// Name renders the entities back into a BIDS base name, omitting empty
// entities and keeping the canonical ordering.
func (e Entities) Name() string {
	var sb strings.Builder
	add := func(key, value string) {
		if value == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('_')
		}
		sb.WriteString(key)
		sb.WriteByte('-')
		sb.WriteString(value)
	}
	add("sub", e.Subject)
	add("ses", e.Session)
	add("task", e.Task)
	add("run", e.Run)
	add("space", e.Space)
	add("desc", e.Description)
	if e.Suffix != "" {
		if sb.Len() > 0 {
			sb.WriteByte('_')
		}
		sb.WriteString(e.Suffix)
	}
	sb.WriteString(e.Extension)
	return sb.String()
}

// WithDescription returns a copy with the desc- entity replaced.
func (e Entities) WithDescription(desc string) Entities {
	e.Description = desc
	return e
}

// WithSuffix returns a copy with the suffix and extension replaced.
func (e Entities) WithSuffix(suffix, ext string) Entities {
	e.Suffix = suffix
	e.Extension = ext
	return e
}
