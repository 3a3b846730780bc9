package authority

import (
	"fmt"
	"time"

	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/registry"
	"github.com/tinywideclouds/go-token-authority/internal/token"
	ta "github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// FailurePolicy decides what a sync failure does to the operation that
// triggered the sync.
type FailurePolicy string

const (
	// Escalate aggregates failures into a *SyncError returned to the caller.
	Escalate FailurePolicy = "escalate"
	// LogAndContinue only logs failures.
	LogAndContinue FailurePolicy = "log"
)

// DefaultSnapshotCacheTTL bounds how long a serialized snapshot is reused.
const DefaultSnapshotCacheTTL = 30 * time.Second

// Config assembles the options of every owned component.
type Config struct {
	KeyType      string
	KeyCrvOrSize string
	Keys         keyring.Options

	Tokens token.Config

	Sync          registry.Options
	FailurePolicy FailurePolicy

	// RotationSchedule is a seconds-first cron expression.
	RotationSchedule string
	SnapshotCacheTTL time.Duration
}

func (c Config) withDefaults() (Config, error) {
	switch c.FailurePolicy {
	case "":
		c.FailurePolicy = Escalate
	case Escalate, LogAndContinue:
	default:
		return c, &ta.ConfigError{Field: "sync.failure_policy", Reason: fmt.Sprintf("unknown policy %q", c.FailurePolicy)}
	}
	if c.SnapshotCacheTTL <= 0 {
		c.SnapshotCacheTTL = DefaultSnapshotCacheTTL
	}
	return c, nil
}
