package storage

import (
	"context"

	"github.com/google/uuid"

	"volseg/internal/model"
)

// Store persists sampling runs and the ledger of their sub-epochs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns the most recent runs first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	SaveSubepoch(ctx context.Context, record model.SubepochRecord) error
	GetSubepoch(ctx context.Context, id string) (model.SubepochRecord, bool, error)
	// ListSubepochs returns a run's sub-epochs ordered by index.
	ListSubepochs(ctx context.Context, runID string) ([]model.SubepochRecord, error)
}

// CurrentVersion stamps records written by this build.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

// Stamp fills in a missing id and the current version.
func Stamp(record model.SubepochRecord) model.SubepochRecord {
	if record.ID == "" {
		record.ID = NewID()
	}
	record.VersionedRecord = CurrentVersion()
	return record
}
