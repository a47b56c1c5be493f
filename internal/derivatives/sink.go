// Package derivatives places pipeline outputs into a BIDS-derivatives tree,
// deriving file names from the entities of the source image they were
// computed from.
package derivatives

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/Comeani/NiBetaSeries/internal/bids"
	"github.com/Comeani/NiBetaSeries/internal/fsutil"
)

// PipelineName is the directory the sink writes under, per the BIDS
// derivatives convention <out_dir>/<pipeline>/sub-*/....
const PipelineName = "nibetaseries"

// Sink copies result files into the derivatives tree.
type Sink struct {
	fs     fsutil.FileSystem
	outDir string
}

// NewSink returns a sink rooted at outDir.
func NewSink(fs fsutil.FileSystem, outDir string) *Sink {
	return &Sink{fs: fs, outDir: outDir}
}

// Root returns the pipeline's derivatives root.
func (s *Sink) Root() string {
	return filepath.Join(s.outDir, PipelineName)
}

// subjectDir returns the functional output directory for the source image's
// subject and session.
func (s *Sink) subjectDir(src bids.Entities) string {
	dir := filepath.Join(s.Root(), "sub-"+src.Subject)
	if src.Session != "" {
		dir = filepath.Join(dir, "ses-"+src.Session)
	}
	return filepath.Join(dir, "func")
}

// Path derives the output path for a result computed from src: the source
// entities with desc- replaced by the trial type and the suffix and
// extension replaced by the result kind.
func (s *Sink) Path(src bids.Entities, desc, suffix, ext string) string {
	name := src.WithDescription(desc).WithSuffix(suffix, ext).Name()
	return filepath.Join(s.subjectDir(src), name)
}

// Place copies a staged result file into the tree and returns its final
// path.
func (s *Sink) Place(stagedPath string, src bids.Entities, desc, suffix, ext string) (string, error) {
	dst := s.Path(src, desc, suffix, ext)
	if err := fsutil.CopyFile(s.fs, stagedPath, dst); err != nil {
		return "", fmt.Errorf("cannot place derivative %s: %w", dst, err)
	}
	return dst, nil
}

// WriteDatasetDescription writes the dataset_description.json that marks the
// output tree as a BIDS derivatives dataset.
func (s *Sink) WriteDatasetDescription(version string) error {
	desc := map[string]any{
		"Name":          "NiBetaSeries outputs",
		"BIDSVersion":   "1.4.0",
		"DatasetType":   "derivative",
		"GeneratedBy":   []map[string]any{{"Name": PipelineName, "Version": version}},
		"PipelineName":  PipelineName,
		"PipelineLevel": "participant",
	}
	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.Root(), "dataset_description.json")
	if err := s.fs.MkdirAll(s.Root(), 0o755); err != nil {
		return err
	}
	return s.fs.WriteFile(path, append(raw, '\n'), 0o644)
}
