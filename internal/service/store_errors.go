package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

const defaultStoreTimeout = 5 * time.Second

// storeError maps repository outcomes onto typed engine errors. Typed errors pass through;
// anything unrecognised is a transient store failure.
func storeError(err error, notFound *appErrors.Error) error {
	if err == nil {
		return nil
	}
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound
	case errors.Is(err, repository.ErrDuplicatePending):
		return appErrors.ErrDuplicatePendingRequest
	case errors.Is(err, repository.ErrDuplicateEmail):
		return appErrors.Clone(appErrors.ErrConflict, "email already registered")
	case errors.Is(err, repository.ErrDuplicateCode):
		return appErrors.Clone(appErrors.ErrConflict, "institution code already registered")
	case errors.Is(err, repository.ErrStaleState):
		return appErrors.Clone(appErrors.ErrConflict, "record changed concurrently, reload and retry")
	}
	return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, appErrors.ErrStoreUnavailable.Message)
}

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// commitContext detaches from caller cancellation so a started commit runs to completion.
func commitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return withStoreTimeout(context.WithoutCancel(ctx), timeout)
}

func cancelledBeforeCommit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "request cancelled before commit")
	}
	return nil
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
