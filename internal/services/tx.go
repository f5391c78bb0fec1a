package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// txAttempts is how many times a read-modify-write transaction runs before
// lock contention is reported to the caller.
const txAttempts = 2

// withTx runs fn inside one transaction whose automatic created_at and
// updated_at stamps read now, so rows carry the service clock. When the
// database reports lock contention the whole transaction is replayed once; a
// second failure is returned as ErrTxConflict. Any other error, including a
// unique violation, is returned unchanged for the caller to map.
func withTx(ctx context.Context, db *gorm.DB, now time.Time, fn func(tx *gorm.DB) error) error {
	session := stamped(db.WithContext(ctx), now)
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = session.Transaction(fn)
		if err == nil || !repo.IsBusy(err) {
			return err
		}
		zerolog.Ctx(ctx).Debug().Err(err).Int("attempt", attempt).Msg("transaction contention")
	}
	return ErrTxConflict
}

// stamped returns a session whose automatic timestamps read now. Repository
// fakes run without a database, so a nil handle stays nil.
func stamped(db *gorm.DB, now time.Time) *gorm.DB {
	if db == nil {
		return nil
	}
	return db.Session(&gorm.Session{NowFunc: func() time.Time { return now }})
}

// notFound maps a missing row to the given service error.
func notFound(err, sentinel error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return sentinel
	}
	return err
}

// publish sends e after the originating transaction committed. Broker
// failures are logged and never reach the caller.
func publish(ctx context.Context, p events.Publisher, e events.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", e.Type).Msg("publish event failed")
	}
}
