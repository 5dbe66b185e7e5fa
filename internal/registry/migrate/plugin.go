package migrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator creates or upgrades the schema of one backend. Migrators skip
// themselves when the configured datastore is not theirs.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin orders a migrator; lower Order runs first.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

// RunAll executes every registered migrator in order and stops at the first failure.
func RunAll(ctx context.Context) error {
	mu.Lock()
	sorted := append([]Plugin(nil), plugins...)
	mu.Unlock()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migration finished", "name", p.Migrator.Name(), "duration", time.Since(start))
	}
	return nil
}
