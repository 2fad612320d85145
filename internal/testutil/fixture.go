// Package testutil builds store-backed fixtures for engine and service tests.
// Every fixture runs on an in-memory SQLite database.
package testutil

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/db"
)

// Fixture is a migrated store with the default rule catalog.
type Fixture struct {
	Store    volumetry.Store
	Refs     reference.Repository
	Registry *rules.Registry
	Logger   zerolog.Logger
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, volumetry.MigrateSQLite(gdb))
	require.NoError(t, reference.MigrateSQLite(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	reg, err := rules.Default()
	require.NoError(t, err)
	return &Fixture{
		Store:    volumetry.NewStoreSQLite(gdb),
		Refs:     reference.NewRepoSQLite(gdb),
		Registry: reg,
		Logger:   zerolog.Nop(),
	}
}

// Seed replaces the reference tables with ds.
func (f *Fixture) Seed(t testing.TB, ds *reference.Dataset) {
	t.Helper()
	require.NoError(t, f.Refs.Replace(context.Background(), ds))
}

// Stage persists a batch with recs and returns it.
func (f *Fixture) Stage(t testing.TB, tag rules.SourceTag, period volumetry.Period, legacy bool, recs ...*volumetry.Record) *volumetry.Batch {
	t.Helper()
	b := &volumetry.Batch{SourceTag: tag, Period: period, Legacy: legacy}
	require.NoError(t, f.Store.StageBatch(context.Background(), b, recs))
	return b
}

// Rule returns a catalog rule by id.
func (f *Fixture) Rule(t testing.TB, id string) rules.Rule {
	t.Helper()
	r, err := f.Registry.Rule(id)
	require.NoError(t, err)
	return r
}

// Records returns every record of the batch in id order.
func (f *Fixture) Records(t testing.TB, batch *volumetry.Batch) []*volumetry.Record {
	t.Helper()
	var out []*volumetry.Record
	err := f.Store.ScanChunks(context.Background(), volumetry.Eq(volumetry.FieldBatchID, batch.ID), 1000,
		func(recs []*volumetry.Record) error {
			out = append(out, recs...)
			return nil
		})
	require.NoError(t, err)
	return out
}

// Count returns the exact number of records matching cond.
func (f *Fixture) Count(t testing.TB, cond volumetry.Cond) int64 {
	t.Helper()
	n, err := f.Store.Count(context.Background(), cond)
	require.NoError(t, err)
	return n
}
