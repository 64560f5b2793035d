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
	"fmt"

	"github.com/mooncake-labs/moonlink/pkg/config"
)

// New selects and constructs the Accessor described by cfg (the
// file/S3/GCS variant picked by cfg.Backend), layering the optional
// throttle and retry wrappers cfg configures. This is the sole entry
// point callers (pkg/iceberg, pkg/wal, cmd/moonlinkd) use to turn a
// StorageConfig into a live Accessor; no component constructs a backend
// directly.
func New(ctx context.Context, cfg config.StorageConfig) (Accessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base Accessor
	var err error
	switch cfg.Backend {
	case config.BackendLocalFS:
		base, err = NewLocalFS(cfg.RootDir, cfg.AtomicWriteDir)
	case config.BackendS3:
		base, err = NewS3(cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
	case config.BackendGCS:
		base, err = NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("accessor: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	acc := base
	if cfg.Throttle.Enabled() {
		acc = NewThrottled(acc, cfg.Throttle.BandwidthBytesPerSec, cfg.Throttle.BurstBytes)
	}
	if cfg.Retry != nil {
		acc = NewRetrying(acc, *cfg.Retry)
	}
	return acc, nil
}
