package kvstore

import (
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/errors"
)

// SchemaVersion is the current on-disk layout version.
const SchemaVersion = 1

// Reserved meta-partition keys used to track migrations.
const (
	metaSchemaVersionKey = "schema_version"
	metaInitializedAtKey = "initialized_at"
)

// schemaStamp is what lives under the reserved schema key.
type schemaStamp struct {
	Version int `json:"version"`
}

// Migrate runs any pending schema migrations and stamps the version under
// the meta partition. It is idempotent: repeated boots with an up-to-date
// stamp do nothing. Returns the version now in effect.
func Migrate(s *Store) (int, error) {
	var stamp schemaStamp
	found := s.GetJSON(PartitionMeta, metaSchemaVersionKey, &stamp)

	current := 0
	if found {
		current = stamp.Version
	}

	if current > SchemaVersion {
		return current, errors.New(errors.ErrMigration,
			fmt.Sprintf("stored schema version %d is newer than supported %d", current, SchemaVersion))
	}

	if current == SchemaVersion {
		return current, nil
	}

	for v := current + 1; v <= SchemaVersion; v++ {
		if err := applyMigration(s, v); err != nil {
			return current, errors.Wrap(errors.ErrMigration,
				fmt.Sprintf("migration to version %d failed", v), err)
		}
		s.Set(PartitionMeta, metaSchemaVersionKey, schemaStamp{Version: v})
		current = v
	}

	s.log.Info("Storage schema migrated",
		map[string]interface{}{"version": current})
	return current, nil
}

// applyMigration performs the step from v-1 to v. Each step must be safe to
// re-run if a crash landed between the step and its stamp.
func applyMigration(s *Store, version int) error {
	switch version {
	case 1:
		// Initial layout: stamp the install time once.
		var existing int64
		if !s.GetJSON(PartitionMeta, metaInitializedAtKey, &existing) {
			s.Set(PartitionMeta, metaInitializedAtKey, time.Now().UnixMilli())
		}
		return nil
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}
