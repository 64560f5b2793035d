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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	c, err := Decode([]byte(`{"database":"db","table":"t"}`))
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, c.OpportunisticSnapshotInterval)
	require.Equal(t, 5*time.Minute, c.ForcedSnapshotInterval)
	require.NotNil(t, c.Storage.Retry)
	require.Equal(t, DefaultRetryConfig(), *c.Storage.Retry)
}

func TestWithDefaultsLeavesExplicitValuesAlone(t *testing.T) {
	c := TableConfig{
		OpportunisticSnapshotInterval: time.Second,
		ForcedSnapshotInterval:        time.Minute,
	}.WithDefaults()
	require.Equal(t, time.Second, c.OpportunisticSnapshotInterval)
	require.Equal(t, time.Minute, c.ForcedSnapshotInterval)
}

func TestStorageConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{"file ok", StorageConfig{Backend: BackendLocalFS, RootDir: "/data"}, false},
		{"file missing root", StorageConfig{Backend: BackendLocalFS}, true},
		{"s3 ok", StorageConfig{Backend: BackendS3, S3Bucket: "b"}, false},
		{"s3 missing bucket", StorageConfig{Backend: BackendS3}, true},
		{"gcs ok", StorageConfig{Backend: BackendGCS, GCSBucket: "b"}, false},
		{"gcs missing bucket", StorageConfig{Backend: BackendGCS}, true},
		{"unknown backend", StorageConfig{Backend: "nope"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestThrottleConfigEnabled(t *testing.T) {
	var nilCfg *ThrottleConfig
	require.False(t, nilCfg.Enabled())

	require.False(t, (&ThrottleConfig{}).Enabled())
	require.True(t, (&ThrottleConfig{BandwidthBytesPerSec: 1024}).Enabled())
}
