package main

import (
	"context"
	"fmt"

	"github.com/drblury/indexflow"
	"github.com/drblury/indexflow/internal/runtime/tenant"
)

// openStore connects the store of one slot for read commands. Tests
// replace it.
var openStore = func(ctx context.Context, configFile, slot string) (indexflow.TenantStore, error) {
	cfg, err := indexflow.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	target := indexflow.Slot{Name: indexflow.DefaultSlot}
	if slot != "" && slot != indexflow.DefaultSlot {
		if cfg.SnapshotPath == "" {
			return nil, fmt.Errorf("%w: %s (no snapshot configured)", indexflow.ErrUnknownSlot, slot)
		}
		snap, err := indexflow.LoadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		found := false
		for _, s := range snap.Slots {
			if s.Name == slot {
				target, found = s, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", indexflow.ErrUnknownSlot, slot)
		}
	}
	opener := tenant.PostgresOpener(cfg.Database, indexflow.NewMemorySource(), indexflow.NewJSONServiceLogger(cfg.LogLevel))
	return opener(ctx, target)
}
