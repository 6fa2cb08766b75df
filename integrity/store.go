package integrity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore keeps artifacts as plain files under a root directory. Source
// documents live under documents/, finalized copies under final/. It suits
// single-node deployments and tests; object storage backends implement the
// same interface.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	for _, sub := range []string{"documents", "final"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("integrity: create artifact dir: %w", err)
		}
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) GetArtifact(ctx context.Context, documentID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.root, "documents", filepath.Base(documentID)))
	if err != nil {
		return nil, fmt.Errorf("integrity: read artifact %s: %w", documentID, err)
	}
	return data, nil
}

func (d *DirStore) PutFinalArtifact(ctx context.Context, requestID string, data []byte) error {
	path := filepath.Join(d.root, "final", filepath.Base(requestID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("integrity: write final artifact: %w", err)
	}
	return nil
}

// PutDocument seeds a source document. Intake services call this before a
// request references the document id.
func (d *DirStore) PutDocument(ctx context.Context, documentID string, data []byte) error {
	path := filepath.Join(d.root, "documents", filepath.Base(documentID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("integrity: write document: %w", err)
	}
	return nil
}
