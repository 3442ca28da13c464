package database

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// NewCrash creates a new Crash object with the provided parameters
func NewCrash(
	sessionID string,
	target string,
	requestName string,
	primitive string,
	testCaseIndex int,
	kind CrashKindEnum,
	reason string,
	payloadPath string,
	payloadMd5 string,
) *Crash {
	return &Crash{
		SessionID:     sessionID,
		CreatedAt:     time.Now(),
		Target:        target,
		RequestName:   requestName,
		Primitive:     primitive,
		TestCaseIndex: testCaseIndex,
		Kind:          kind,
		Reason:        reason,
		PayloadPath:   payloadPath,
		PayloadMd5:    payloadMd5,
	}
}

// UpsertSessionRun stores the latest summary of a session, keyed by session id
func UpsertSessionRun(ctx context.Context, db *gorm.DB, run *SessionRun) error {
	if run == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"finished_at", "total", "executed", "failures", "status"}),
	}).Create(run).Error
}
