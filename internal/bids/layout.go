package bids

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Comeani/NiBetaSeries/internal/monitoring"
)

// Trees the indexer distinguishes between.
const (
	TreeRaw         = "raw"
	TreeDerivatives = "derivatives"
)

// Layout is a queryable view over a BIDS dataset and its preprocessing
// derivatives, backed by the SQLite index cache.
type Layout struct {
	db             *IndexDB
	bidsDir        string
	derivativesDir string
}

// File is one indexed dataset file.
type File struct {
	Path     string
	Entities Entities
	Tree     string
}

// BoldMetadata is the subset of the bold JSON sidecar the pipeline needs.
type BoldMetadata struct {
	RepetitionTime float64 `json:"RepetitionTime"`
	TaskName       string  `json:"TaskName,omitempty"`
}

// indexedExtensions are the only file types worth indexing.
var indexedExtensions = map[string]bool{
	".nii":    true,
	".nii.gz": true,
	".json":   true,
	".tsv":    true,
}

// OpenLayout opens the index cache at databasePath and, when reset is true
// or the cache is empty, walks bidsDir and derivativesDir to (re)build the
// index. Sidecar metadata is read for bold files only.
func OpenLayout(bidsDir, derivativesDir, databasePath string, reset bool) (*Layout, error) {
	db, err := OpenIndexDB(databasePath)
	if err != nil {
		return nil, err
	}

	l := &Layout{db: db, bidsDir: bidsDir, derivativesDir: derivativesDir}

	count, err := db.FileCount()
	if err != nil {
		db.Close()
		return nil, err
	}

	if reset || count == 0 {
		if reset {
			if err := db.Reset(); err != nil {
				db.Close()
				return nil, err
			}
		}
		if err := l.index(); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		monitoring.Logf("[bids] reusing index cache %s (%d files)", databasePath, count)
	}

	return l, nil
}

// Close releases the underlying cache database.
func (l *Layout) Close() error {
	return l.db.Close()
}

// Subjects returns the distinct subject labels in the index.
func (l *Layout) Subjects() ([]string, error) {
	return l.db.Subjects()
}

// index walks the raw and derivatives trees and populates the cache.
func (l *Layout) index() error {
	runID := uuid.NewString()
	total := 0

	for _, tree := range []struct {
		root string
		name string
	}{
		{l.bidsDir, TreeRaw},
		{l.derivativesDir, TreeDerivatives},
	} {
		if tree.root == "" {
			continue
		}
		n, err := l.walkTree(tree.root, tree.name)
		if err != nil {
			return err
		}
		total += n
	}

	if err := l.db.recordIndexRun(runID, l.bidsDir, l.derivativesDir, total); err != nil {
		return err
	}
	monitoring.Logf("[bids] indexed %d files (run %s)", total, runID)
	return nil
}

func (l *Layout) walkTree(root, tree string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// skip hidden directories and nested derivative pipelines under raw
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "derivatives") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), "sub-") {
			return nil
		}

		e, err := ParseEntities(path)
		if err != nil {
			// non-BIDS files (READMEs, stray exports) are skipped, not fatal
			return nil
		}
		if !indexedExtensions[e.Extension] {
			return nil
		}

		if err := l.db.insertFile(path, e, tree); err != nil {
			return err
		}
		count++

		// only bold sidecars carry metadata the pipeline uses
		if e.Suffix == "bold" && e.Extension == ".json" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read sidecar %s: %w", path, err)
			}
			if err := l.db.insertMetadata(path, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s tree at %s: %w", tree, root, err)
	}
	return count, nil
}

// Query selects indexed files. Empty fields match anything; Extensions nil
// matches any extension.
type Query struct {
	Subject     string
	Session     string
	Task        string
	Run         string
	Space       string
	Description string
	Suffix      string
	Tree        string
	Extensions  []string
}

// Get returns the files matching q, ordered by session, task then run so
// multi-run subjects come back in a stable order.
func (l *Layout) Get(q Query) ([]File, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("subject", q.Subject)
	add("session", q.Session)
	add("task", q.Task)
	add("run", q.Run)
	add("space", q.Space)
	add("description", q.Description)
	add("suffix", q.Suffix)
	add("tree", q.Tree)

	if len(q.Extensions) > 0 {
		placeholders := make([]string, len(q.Extensions))
		for i, ext := range q.Extensions {
			placeholders[i] = "?"
			args = append(args, ext)
		}
		conds = append(conds, "extension IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT path, subject, session, task, run, space, description, suffix, extension, tree FROM files`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY session, task, run, path"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index query failed: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Path, &f.Entities.Subject, &f.Entities.Session, &f.Entities.Task,
			&f.Entities.Run, &f.Entities.Space, &f.Entities.Description, &f.Entities.Suffix,
			&f.Entities.Extension, &f.Tree); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Metadata returns the bold sidecar metadata for the run identified by e.
// The sidecar is matched on subject, session, task and run; the raw tree is
// preferred when both trees carry one.
func (l *Layout) Metadata(e Entities) (BoldMetadata, error) {
	row := l.db.QueryRow(`
		SELECT m.json FROM bold_metadata m
		JOIN files f ON f.path = m.path
		WHERE f.subject = ? AND f.session = ? AND f.task = ? AND f.run = ?
		ORDER BY CASE f.tree WHEN 'raw' THEN 0 ELSE 1 END
		LIMIT 1
	`, e.Subject, e.Session, e.Task, e.Run)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return BoldMetadata{}, fmt.Errorf("no bold metadata for sub-%s task-%s run-%s", e.Subject, e.Task, e.Run)
		}
		return BoldMetadata{}, err
	}

	var md BoldMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return BoldMetadata{}, fmt.Errorf("malformed bold sidecar for sub-%s: %w", e.Subject, err)
	}
	if md.RepetitionTime <= 0 {
		return BoldMetadata{}, fmt.Errorf("bold sidecar for sub-%s task-%s run-%s has no RepetitionTime", e.Subject, e.Task, e.Run)
	}
	return md, nil
}
