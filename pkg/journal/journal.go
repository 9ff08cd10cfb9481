// Package journal keeps a history of completed test runs.
package journal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/model"
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverNone   = "none"
)

// DefaultSQLitePath is used when the sqlite driver has no DSN.
const DefaultSQLitePath = "/opt/hwselftest/journal.db"

type store interface {
	insert(ctx context.Context, rec *model.RunRecord) error
	recent(ctx context.Context, limit int) ([]model.RunRecord, error)
	close() error
}

// Journal records runs in sqlite or mysql. A nil *Journal is a valid no-op.
type Journal struct {
	st  store
	log *zap.Logger
}

// Open connects to driver. DriverNone or an empty driver returns nil.
func Open(driver, dsn string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		st  store
		err error
	)
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite:
		if dsn == "" {
			dsn = DefaultSQLitePath
		}
		st, err = openSQLite(dsn)
	case DriverMySQL:
		st, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driver, err)
	}
	log.Info("run journal opened", zap.String("driver", driver))
	return &Journal{st: st, log: log}, nil
}

// Record stores a completed bank together with its serialised document.
func (j *Journal) Record(ctx context.Context, bank *model.ResultBank, payload []byte) error {
	if j == nil || bank == nil {
		return nil
	}
	rec := &model.RunRecord{
		Client:      bank.Client,
		ResultsType: bank.RunType.String(),
		StartedAt:   bank.StartTime.UTC(),
		FinishedAt:  bank.EndTime.UTC(),
		Payload:     string(payload),
		CreatedAt:   time.Now().UTC(),
	}
	if bank.Failed() {
		rec.Final = 1
	}
	for _, r := range bank.Results {
		if r.Code != model.CodeNeverRun {
			rec.Executed++
		}
	}
	if err := j.st.insert(ctx, rec); err != nil {
		return err
	}
	j.log.Debug("run journaled", zap.Uint("id", rec.ID), zap.String("client", rec.Client))
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return j.st.recent(ctx, limit)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.st.close()
}
