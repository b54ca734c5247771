package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateFreshStore(t *testing.T) {
	s := newTestStore(t)

	version, err := Migrate(s)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	var stamp schemaStamp
	require.True(t, s.GetJSON(PartitionMeta, metaSchemaVersionKey, &stamp))
	assert.Equal(t, SchemaVersion, stamp.Version)

	var initAt int64
	require.True(t, s.GetJSON(PartitionMeta, metaInitializedAtKey, &initAt))
	assert.Greater(t, initAt, int64(0))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, err := Migrate(s)
	require.NoError(t, err)

	var firstInit int64
	require.True(t, s.GetJSON(PartitionMeta, metaInitializedAtKey, &firstInit))

	// second boot must not re-run the migration
	version, err := Migrate(s)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	var secondInit int64
	require.True(t, s.GetJSON(PartitionMeta, metaInitializedAtKey, &secondInit))
	assert.Equal(t, firstInit, secondInit)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	s := newTestStore(t)

	s.Set(PartitionMeta, metaSchemaVersionKey, schemaStamp{Version: SchemaVersion + 10})

	_, err := Migrate(s)
	assert.Error(t, err)
}
