package store

import (
	"context"

	"github.com/emberforge/invsync/syncer"
)

// SnapshotProvider adapts a Store to the coordinator's SnapshotStore
// interface so force sync reads authoritative data straight from
// PostgreSQL.
type SnapshotProvider struct {
	store *Store
}

var _ syncer.SnapshotStore = (*SnapshotProvider)(nil)

// NewSnapshotProvider wraps store for use with a sync coordinator.
func NewSnapshotProvider(store *Store) *SnapshotProvider {
	return &SnapshotProvider{store: store}
}

// LoadPlayerSnapshots returns every stored group for a player, most
// recently written first.
func (p *SnapshotProvider) LoadPlayerSnapshots(ctx context.Context, playerID string) ([]syncer.PlayerSnapshot, error) {
	snapshots, err := p.store.LoadPlayerSnapshots(ctx, playerID)
	if err != nil {
		return nil, err
	}

	out := make([]syncer.PlayerSnapshot, len(snapshots))
	for i, snap := range snapshots {
		out[i] = syncer.PlayerSnapshot{
			PlayerID:  snap.PlayerID,
			Group:     snap.Group,
			Version:   snap.Version,
			Data:      snap.Data,
			UpdatedAt: snap.UpdatedAt,
		}
	}
	return out, nil
}
