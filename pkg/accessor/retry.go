// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package accessor

import (
	"context"
	"io"
	"time"

	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// RetryingAccessor wraps an Accessor, retrying operations that fail with
// a merrors.Error classified Temporary, using exponential backoff capped
// by cfg.MaxDelay (spec §4.1, §7: "transient errors are retried by the
// accessor's retry layer up to the configured policy").
type RetryingAccessor struct {
	Accessor
	cfg config.RetryConfig
}

// NewRetrying wraps acc with cfg's retry policy.
func NewRetrying(acc Accessor, cfg config.RetryConfig) *RetryingAccessor {
	if cfg.MaxAttempts <= 0 {
		cfg = config.DefaultRetryConfig()
	}
	return &RetryingAccessor{Accessor: acc, cfg: cfg}
}

func (r *RetryingAccessor) retry(ctx context.Context, op func() error) error {
	delay := r.cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !merrors.IsTemporary(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return lastErr
}

func (r *RetryingAccessor) ReadObject(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, func() error {
		var err error
		data, err = r.Accessor.ReadObject(ctx, path)
		return err
	})
	return data, err
}

func (r *RetryingAccessor) WriteObject(ctx context.Context, path string, data []byte) error {
	return r.retry(ctx, func() error { return r.Accessor.WriteObject(ctx, path, data) })
}

func (r *RetryingAccessor) DeleteObject(ctx context.Context, path string) error {
	return r.retry(ctx, func() error { return r.Accessor.DeleteObject(ctx, path) })
}

func (r *RetryingAccessor) ObjectExists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.retry(ctx, func() error {
		var err error
		ok, err = r.Accessor.ObjectExists(ctx, path)
		return err
	})
	return ok, err
}

func (r *RetryingAccessor) CopyToLocal(ctx context.Context, path, localPath string) (int64, error) {
	var n int64
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.Accessor.CopyToLocal(ctx, path, localPath)
		return err
	})
	return n, err
}

// StreamRead is not retried: once a caller has started consuming the
// stream, restarting it transparently would require buffering the
// already-read prefix, which defeats the point of streaming. Callers
// that need retry-on-open can call StreamRead again themselves.
func (r *RetryingAccessor) StreamRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return r.Accessor.StreamRead(ctx, path)
}

var _ Accessor = (*RetryingAccessor)(nil)
