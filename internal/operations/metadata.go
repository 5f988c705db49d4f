package operations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/rbackup/internal/catalog"
)

// MetadataSuffix names the descriptor written next to an exported job.
const MetadataSuffix = ".json"

// Metadata describes one exported job, so an export can be understood
// without the catalog it came from.
type Metadata struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Mode          string    `json:"mode"`
	OS            string    `json:"os"`
	Path          string    `json:"path"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	IncludedPaths []string  `json:"included_paths"`
	ExportedAt    time.Time `json:"exported_at"`
}

func newMetadata(r catalog.Record, path string, exportedAt time.Time) Metadata {
	return Metadata{
		ID:            r.ID,
		Host:          r.Host,
		Mode:          r.Mode.String(),
		OS:            r.OS.String(),
		Path:          path,
		Status:        r.Status.String(),
		StartedAt:     r.Start,
		CompletedAt:   r.End,
		IncludedPaths: r.IncludedPaths,
		ExportedAt:    exportedAt.UTC(),
	}
}

// Load reads a metadata file.
func (m *Metadata) Load(filePath string) error {
	jsonFile, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("couldn't open metadata file %q: %w", filePath, err)
	}
	defer jsonFile.Close()
	if err := json.NewDecoder(jsonFile).Decode(m); err != nil {
		return fmt.Errorf("decode metadata JSON: %w", err)
	}
	return nil
}

// Write stores the metadata as <Path>.json.
func (m *Metadata) Write() error {
	filePath := m.Path + MetadataSuffix
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("ensure metadata directory: %w", err)
	}
	jsonFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create metadata file %q: %w", filePath, err)
	}
	defer jsonFile.Close()

	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}
	return nil
}
