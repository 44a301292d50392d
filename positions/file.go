package positions

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// Snapshot is the on-disk form read by FileSource.
//
//	wallets:
//	  7xKX...:
//	    - position_id: pos-1
//	      pool_id: pool-1
//	      total_usd: 950
//	      unclaimed_fees_usd: 12.5
//	      is_out_of_range: true
type Snapshot struct {
	Wallets map[string][]model.Position `yaml:"wallets"`
}

// FileSource serves positions from a YAML snapshot. The file is re-read on
// every call so edits show up on the next cycle.
type FileSource struct {
	Path  string
	Store journal.Store
}

func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &s, nil
}

func (f *FileSource) ActivePositions(ctx context.Context, userID, wallet string) ([]model.Position, error) {
	s, err := LoadSnapshot(f.Path)
	if err != nil {
		return nil, &model.CollaboratorError{Op: "read snapshot", Err: err}
	}
	h, err := loadHistory(ctx, f.Store, userID)
	if err != nil {
		return nil, model.Persist("load position history", err)
	}
	return h.apply(s.Wallets[wallet]), nil
}

// CountOpen is the snapshot size after closed positions are dropped.
func (f *FileSource) CountOpen(ctx context.Context, userID, wallet string) (int, error) {
	ps, err := f.ActivePositions(ctx, userID, wallet)
	return len(ps), err
}
