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

package merrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapTemporaryIsRetryableOnlyForIo(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapTemporary("writing segment", cause)
	require.True(t, IsTemporary(err))
	require.True(t, As(err, KindIo))
	require.ErrorIs(t, err, cause)

	permanent := New(KindArrow, "bad schema")
	require.False(t, IsTemporary(permanent))
}

func TestAsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("rpc failed: %w", Wrap(KindCacheFull, "pinning file", ErrCacheFull))
	require.True(t, As(err, KindCacheFull))
	require.False(t, As(err, KindIo))
	require.ErrorIs(t, err, ErrCacheFull)
}

func TestKindStringCoversEveryConstant(t *testing.T) {
	kinds := []Kind{
		KindUnknown, KindArrow, KindParquet, KindIo, KindIcebergCommit,
		KindCacheFull, KindTableIdNotFound, KindConfigFieldMissing,
		KindTransactionNotFound, KindWatchChannelClosed,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		require.NotEmpty(t, s)
		require.False(t, seen[s], "duplicate Kind.String() value %q", s)
		seen[s] = true
	}
}

func TestSentinelErrorsMatchDirectly(t *testing.T) {
	require.ErrorIs(t, ErrCacheFull, ErrCacheFull)
	require.False(t, errors.Is(ErrCacheFull, ErrTableNotFound))
}
