package dockerizer

import (
	"errors"

	"github.com/getsentry/sentry-go"
)

var (
	// ErrDetectionFailure means no buildpack claimed the source tree and none was forced.
	ErrDetectionFailure = errors.New("no buildpack selected")
	// ErrNoEntryPointFound means a buildpack could not pick a main file.
	ErrNoEntryPointFound = errors.New("no entry point found")
	// ErrMalformedConfig means a declarative build config is not a key-value mapping.
	ErrMalformedConfig = errors.New("malformed build config")
	ErrBuildFailed     = errors.New("image build failed")
	ErrPushFailed      = errors.New("image push failed")
	ErrRecordNotFound  = errors.New("record not found")

	ErrAlreadyDispatched  = errors.New("run already dispatched")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrMalformedMessage   = errors.New("malformed queue message")
	ErrSelectionConflict  = errors.New("submission selection conflict")
	ErrResultsUnavailable = errors.New("staged results unavailable")
)

////////////////////////////////////////////////////////////////////////////////
// Error tracking (Sentry)
////////////////////////////////////////////////////////////////////////////////

type errorTracker struct {
	enabled bool
}

func newErrorTracker(cfg SentryConfig) (*errorTracker, error) {
	if cfg.DSN == "" {
		return &errorTracker{enabled: false}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return &errorTracker{enabled: true}, nil
}

// Capture reports err with the given tags. It is a no-op when tracking is off.
func (t *errorTracker) Capture(err error, tags map[string]string) {
	if t == nil || !t.enabled || err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
	})
	hub.CaptureException(err)
}

func (t *errorTracker) Flush() {
	if t == nil || !t.enabled {
		return
	}
	sentry.Flush(shutdownFlushWait)
}
