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

// Package config holds the plain, JSON-decodable configuration structs that
// callers (the metadata store, the REST surface, cmd/moonlink) construct and
// pass into the storage engine. Nothing in this package reads global state
// or flags; every value is supplied by the caller, following the teacher's
// db.Definition convention of JSON-driven, explicitly-constructed config.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// Backend selects which object-storage implementation a StorageConfig
// describes.
type Backend string

const (
	BackendLocalFS Backend = "file"
	BackendS3      Backend = "s3"
	BackendGCS     Backend = "gcs"
)

// ThrottleConfig bounds write throughput on an accessor with a token
// bucket: writes that would exceed BurstBytes fail outright rather than
// blocking indefinitely.
type ThrottleConfig struct {
	BandwidthBytesPerSec int64 `json:"bandwidth_bytes_per_sec"`
	BurstBytes           int64 `json:"burst_bytes"`
}

// Enabled reports whether the throttle config describes an active limiter.
func (t *ThrottleConfig) Enabled() bool {
	return t != nil && t.BandwidthBytesPerSec > 0
}

// RetryConfig configures the accessor's exponential-backoff retry layer.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultRetryConfig mirrors the teacher's S3 client defaults: a handful
// of attempts with capped exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// StorageConfig selects and configures one accessor backend.
type StorageConfig struct {
	Backend Backend `json:"backend"`

	// Local-FS backend fields.
	RootDir        string `json:"root_dir,omitempty"`
	AtomicWriteDir string `json:"atomic_write_dir,omitempty"`

	// S3-compatible backend fields.
	S3Bucket   string `json:"s3_bucket,omitempty"`
	S3Prefix   string `json:"s3_prefix,omitempty"`
	S3Region   string `json:"s3_region,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty"`

	// GCS backend fields.
	GCSBucket string `json:"gcs_bucket,omitempty"`
	GCSPrefix string `json:"gcs_prefix,omitempty"`

	Throttle *ThrottleConfig `json:"throttle,omitempty"`
	Retry    *RetryConfig    `json:"retry,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
}

// Validate checks that the fields required by the selected Backend are
// present, returning a ConfigFieldMissing-classified error otherwise (see
// pkg/merrors).
func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case BackendLocalFS:
		if c.RootDir == "" {
			return merrors.New(merrors.KindConfigFieldMissing, fmt.Sprintf("storage config: backend %q requires root_dir", c.Backend))
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return merrors.New(merrors.KindConfigFieldMissing, fmt.Sprintf("storage config: backend %q requires s3_bucket", c.Backend))
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			return merrors.New(merrors.KindConfigFieldMissing, fmt.Sprintf("storage config: backend %q requires gcs_bucket", c.Backend))
		}
	default:
		return fmt.Errorf("storage config: unknown backend %q", c.Backend)
	}
	return nil
}

// TableConfig is the per-table configuration the metadata store persists
// and the handler is constructed from.
type TableConfig struct {
	Database string `json:"database"`
	Table    string `json:"table"`

	// MemSliceSize is the in-memory footprint, in bytes, above which
	// flush writes buffered batches to disk.
	MemSliceSize int64 `json:"mem_slice_size"`
	// DiskSliceParquetFileSize bounds the size of each Parquet file
	// produced by a single flush.
	DiskSliceParquetFileSize int64 `json:"disk_slice_parquet_file_size"`
	// DataFileFinalSize is the target size of a data file after
	// compaction; files below it are compaction candidates.
	DataFileFinalSize int64 `json:"data_file_final_size"`
	// DataFilesToCompact is the minimum number of below-target files
	// needed before a compaction payload is emitted.
	DataFilesToCompact int `json:"data_files_to_compact"`
	// FileIndicesMergeThreshold is the file-index count above which an
	// index-merge payload is emitted.
	FileIndicesMergeThreshold int `json:"file_indices_merge_threshold"`

	SkipIcebergSnapshot    bool `json:"skip_iceberg_snapshot,omitempty"`
	SkipDataFileCompaction bool `json:"skip_data_file_compaction,omitempty"`

	OpportunisticSnapshotInterval time.Duration `json:"opportunistic_snapshot_interval"`
	ForcedSnapshotInterval        time.Duration `json:"forced_snapshot_interval"`

	IcebergWarehouse string `json:"iceberg_warehouse"`
	IcebergNamespace string `json:"iceberg_namespace"`

	Storage       StorageConfig `json:"storage"`
	CacheMaxBytes int64         `json:"cache_max_bytes"`
}

// DefaultIntervals mirrors spec's stated defaults (500ms opportunistic,
// 5min forced) for tables that don't set them explicitly.
const (
	DefaultOpportunisticSnapshotInterval = 500 * time.Millisecond
	DefaultForcedSnapshotInterval        = 5 * time.Minute
)

// WithDefaults returns a copy of c with zero-valued durations replaced by
// the documented defaults.
func (c TableConfig) WithDefaults() TableConfig {
	if c.OpportunisticSnapshotInterval == 0 {
		c.OpportunisticSnapshotInterval = DefaultOpportunisticSnapshotInterval
	}
	if c.ForcedSnapshotInterval == 0 {
		c.ForcedSnapshotInterval = DefaultForcedSnapshotInterval
	}
	if c.Storage.Retry == nil {
		retry := DefaultRetryConfig()
		c.Storage.Retry = &retry
	}
	return c
}

// Decode parses a JSON table configuration document, the format the
// metadata store persists and the REST create-table endpoint accepts.
func Decode(data []byte) (TableConfig, error) {
	var c TableConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return TableConfig{}, fmt.Errorf("decoding table config: %w", err)
	}
	return c.WithDefaults(), nil
}
