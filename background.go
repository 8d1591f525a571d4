package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// This is our interface, allowing us to enable proper testing
type BackgroundProcessor interface {
	cleanupSessions(ctx context.Context) (int, error)
	cleanupJobs(ctx context.Context) (int, error)
}

// backgroundSchedule controls the cleanup loop timing.
type backgroundSchedule struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	pollingInterval time.Duration
}

var defaultSchedule = backgroundSchedule{
	minBackoff:      10 * time.Second,
	maxBackoff:      time.Hour,
	pollingInterval: time.Minute,
}

// Start our background tasks in a thread
func StartBackgroundTasks(ctx context.Context, app BackgroundProcessor) {
	go runBackgroundTasks(ctx, app, defaultSchedule)
}

func runBackgroundTasks(ctx context.Context, app BackgroundProcessor, schedule backgroundSchedule) {
	backoffDuration := schedule.minBackoff

	for {
		select {
		case <-ctx.Done():
			log.Infoln("Background tasks shutting down")
			return
		default: // needed to make this non-blocking
		}

		removed, err := func() (int, error) {
			var errs []error
			sessions, err := app.cleanupSessions(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("error in cleanupSessions: %w", err))
			}
			jobs, err := app.cleanupJobs(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("error in cleanupJobs: %w", err))
			}
			return sessions + jobs, errors.Join(errs...)
		}()

		wait := schedule.pollingInterval
		if err != nil {
			log.Errorf("Error in background cleanup: %v", err)
			wait = backoffDuration

			// Exponential backoff logic
			backoffDuration *= 2
			if backoffDuration > schedule.maxBackoff {
				log.Warnf("Max backoff duration reached. Using %v", schedule.maxBackoff)
				backoffDuration = schedule.maxBackoff
			}
		} else {
			// Reset backoff when cleanup succeeds
			backoffDuration = schedule.minBackoff
			if removed > 0 {
				log.Debugf("Background cleanup removed %d entries", removed)
			}
		}

		select {
		case <-ctx.Done():
			log.Infoln("Background tasks shutting down")
			return
		case <-time.After(wait):
		}
	}
}

// cleanupSessions evicts sessions idle for longer than SESSION_TTL.
func (app *App) cleanupSessions(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	evicted := app.Sessions.evictIdle(sessionTTL)
	if evicted > 0 {
		log.Infof("Evicted %d idle sessions, %d remaining", evicted, app.Sessions.count())
	}
	return evicted, nil
}

// cleanupJobs forgets finished jobs older than SESSION_TTL.
func (app *App) cleanupJobs(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return jobStore.removeFinished(time.Now().Add(-sessionTTL)), nil
}
