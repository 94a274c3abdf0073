// internal/circulation/sweeper.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepReport counts what one sweep changed.
type SweepReport struct {
	PickupsExpired      int `json:"pickups_expired"`
	ReservationsExpired int `json:"reservations_expired"`
	Promoted            int `json:"promoted"`
	Failures            int `json:"failures"`
}

// Sweep runs the pickup pass, then the reservation pass. Every row is its own
// transaction and only still-PENDING rows are touched, so concurrent or
// repeated sweeps are harmless.
func (s *service) Sweep(ctx context.Context) (*SweepReport, error) {
	rep := &SweepReport{}
	now := s.Now()
	batch := s.policy.SweepBatch
	if batch <= 0 {
		batch = 100
	}

	// Pass a: pickups past their deadline.
	for {
		rows, err := s.store.PickupsPastDeadline(ctx, now, batch)
		if err != nil {
			return rep, fmt.Errorf("failed to list expired pickups: %w", err)
		}
		progressed := 0
		for _, b := range rows {
			expired, promoted, err := s.expirePickup(ctx, b.BookID, b.ID)
			if err != nil {
				if isCanceled(err) {
					return rep, err
				}
				rep.Failures++
				s.logger.Error("pickup expiry failed", "borrow_id", b.ID.String(), "error", err)
				continue
			}
			if expired {
				progressed++
				rep.PickupsExpired++
				s.metrics.pickupsExpired.Add(ctx, 1)
			}
			if promoted {
				rep.Promoted++
			}
		}
		if len(rows) < batch || progressed == 0 {
			break
		}
	}

	// Pass b: reservations past their expiry.
	for {
		rows, err := s.store.ReservationsPastExpiry(ctx, now, batch)
		if err != nil {
			return rep, fmt.Errorf("failed to list expired reservations: %w", err)
		}
		progressed := 0
		for _, r := range rows {
			expired, err := s.expireReservation(ctx, r.BookID, r.ID)
			if err != nil {
				if isCanceled(err) {
					return rep, err
				}
				rep.Failures++
				s.logger.Error("reservation expiry failed", "reservation_id", r.ID.String(), "error", err)
				continue
			}
			if expired {
				progressed++
				rep.ReservationsExpired++
				s.metrics.reservationsExpired.Add(ctx, 1)
			}
		}
		if len(rows) < batch || progressed == 0 {
			break
		}
	}

	if rep.PickupsExpired+rep.ReservationsExpired+rep.Failures > 0 {
		s.logger.Info("sweep completed",
			"pickups_expired", rep.PickupsExpired,
			"reservations_expired", rep.ReservationsExpired,
			"promoted", rep.Promoted,
			"failures", rep.Failures)
	}
	return rep, nil
}

// Sweeper runs Sweep on a fixed interval. Overlapping runs are skipped.
type Sweeper struct {
	svc      Service
	interval time.Duration
	timeout  time.Duration
	logger   Logger
	cron     *cron.Cron
}

func NewSweeper(svc Service, interval time.Duration, logger Logger) *Sweeper {
	cl := cronLogger{logger}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		timeout:  interval,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Start schedules the sweep and returns immediately. ctx bounds every run.
func (sw *Sweeper) Start(ctx context.Context) error {
	if sw.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", sw.interval)
	}
	_, err := sw.cron.AddFunc(fmt.Sprintf("@every %s", sw.interval), func() {
		runCtx, cancel := context.WithTimeout(ctx, sw.timeout)
		defer cancel()
		if _, err := sw.svc.Sweep(runCtx); err != nil {
			sw.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	sw.cron.Start()
	sw.logger.Info("expiry sweeper started", "interval", sw.interval.String())
	return nil
}

// Stop prevents new runs and returns a context done when the running one finished.
func (sw *Sweeper) Stop() context.Context {
	return sw.cron.Stop()
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	l Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
