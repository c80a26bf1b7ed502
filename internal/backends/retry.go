package backends

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
)

// retryingStore retries reads that failed with DataAccessFailure. Writes pass straight through:
// a write whose outcome is unknown must be surfaced, not replayed.
type retryingStore struct {
	ports.RepositoryStore
	attempts  uint64
	baseDelay time.Duration
}

// WithRetry wraps store so that Get, GetVersion, History and Entries are retried up to attempts
// extra times with exponential backoff starting at baseDelay.
func WithRetry(store ports.RepositoryStore, attempts uint64, baseDelay time.Duration) ports.RepositoryStore {
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	return &retryingStore{RepositoryStore: store, attempts: attempts, baseDelay: baseDelay}
}

func (s *retryingStore) Get(ctx context.Context, key types.EntryKey) (out types.Entry, err error) {
	err = s.do(ctx, "get", func(ctx context.Context) error {
		out, err = s.RepositoryStore.Get(ctx, key)
		return err
	})
	return out, err
}

func (s *retryingStore) GetVersion(ctx context.Context, key types.EntryKey, version int64) (out types.Entry, err error) {
	err = s.do(ctx, "get version", func(ctx context.Context) error {
		out, err = s.RepositoryStore.GetVersion(ctx, key, version)
		return err
	})
	return out, err
}

func (s *retryingStore) History(ctx context.Context, key types.EntryKey) (out []types.Entry, err error) {
	err = s.do(ctx, "history", func(ctx context.Context) error {
		out, err = s.RepositoryStore.History(ctx, key)
		return err
	})
	return out, err
}

func (s *retryingStore) Entries(ctx context.Context, repo types.RepositoryID) (out []types.Entry, err error) {
	err = s.do(ctx, "entries", func(ctx context.Context) error {
		out, err = s.RepositoryStore.Entries(ctx, repo)
		return err
	})
	return out, err
}

func (s *retryingStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(s.attempts, retry.NewExponential(s.baseDelay))
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if types.IsRetryable(err) {
			log.WithError(err).WithField("op", op).WithField("attempt", attempt).Debug("retrying store read")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && types.KindOf(err) == types.KindUnknown {
		// retry.Do gave up on context cancellation before the first attempt
		return types.DataAccessErr(err, "store %s aborted", op)
	}
	return err
}
