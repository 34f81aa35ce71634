package recording

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// manifestFileName is the manifest's name inside each session directory.
const manifestFileName = "recording.json"

// File is one payload file of a multi-file recording. Times are unix seconds.
type File struct {
	FileName  string `json:"fileName"`
	StartTime int64  `json:"startTime"`
	Duration  int64  `json:"duration"`
}

// Manifest describes a multi-file recording of a single session.
// Files is append-only: entries are never removed, reordered or re-indexed,
// and the file-name index always equals the entry's position.
type Manifest struct {
	SessionID uuid.UUID `json:"sessionId"`
	StartTime int64     `json:"startTime"`
	Duration  int64     `json:"duration"`
	Files     []File    `json:"files"`
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) saveTo(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
