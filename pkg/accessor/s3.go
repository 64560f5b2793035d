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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/mooncake-labs/moonlink/pkg/accessor/internal/awssign"
	"github.com/mooncake-labs/moonlink/pkg/accessor/internal/s3client"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// S3 is an Accessor backed by an S3-compatible bucket, built on the
// teacher's hand-rolled SigV4 client (pkg/accessor/internal/s3client,
// internal/awssign) rather than the AWS SDK.
type S3 struct {
	fs     *s3client.BucketFS
	bucket string
	prefix string
}

// NewS3 constructs an S3 accessor for bucket/prefix using ambient AWS
// credentials (environment variables or ~/.aws/{config,credentials}),
// matching the teacher's s3.DeriveForBucket + awssign.AmbientKey idiom.
// endpoint overrides the default AWS endpoint derivation when set
// (S3-compatible stores such as MinIO or GCS's S3 interop).
func NewS3(bucket, prefix, region, endpoint string) (*S3, error) {
	if region != "" {
		os.Setenv("AWS_REGION", region)
	}
	if endpoint != "" {
		os.Setenv("S3_ENDPOINT", endpoint)
	}
	key, err := awssign.AmbientKey("s3", s3client.DeriveForBucket(bucket))
	if err != nil {
		return nil, merrors.Wrap(merrors.KindIo, "accessor: loading S3 credentials", err)
	}
	return &S3{
		fs:     &s3client.BucketFS{Key: key, Bucket: bucket, Ctx: context.Background()},
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3) fullKey(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

func (s *S3) ReadObject(_ context.Context, p string) ([]byte, error) {
	f, err := s.fs.Open(s.fullKey(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("accessor: read %s: %w", p, fs.ErrNotExist)
		}
		return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: read %s", p), err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *S3) WriteObject(_ context.Context, p string, data []byte) error {
	_, err := s.fs.Put(s.fullKey(p), data)
	if err != nil {
		return merrors.WrapTemporary(fmt.Sprintf("accessor: write %s", p), err)
	}
	return nil
}

func (s *S3) DeleteObject(_ context.Context, p string) error {
	err := s.fs.Remove(s.fullKey(p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return merrors.WrapTemporary(fmt.Sprintf("accessor: delete %s", p), err)
	}
	return nil
}

func (s *S3) ObjectExists(_ context.Context, p string) (bool, error) {
	f, err := s.fs.Open(s.fullKey(p))
	if err == nil {
		f.Close()
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, merrors.WrapTemporary(fmt.Sprintf("accessor: stat %s", p), err)
}

func (s *S3) ListDirectory(_ context.Context, dir string) ([]string, error) {
	entries, err := s.fs.ReadDir(s.fullKey(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: list %s", dir), err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, path.Join(dir, e.Name()))
	}
	return out, nil
}

func (s *S3) StreamRead(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.fullKey(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("accessor: stream read %s: %w", p, fs.ErrNotExist)
		}
		return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: stream read %s", p), err)
	}
	return f, nil
}

func (s *S3) CopyToLocal(ctx context.Context, p, localPath string) (int64, error) {
	src, err := s.StreamRead(ctx, p)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local create %s", localPath), err)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		os.Remove(localPath)
		return 0, merrors.WrapTemporary(fmt.Sprintf("accessor: copy-to-local %s", p), copyErr)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local close %s", localPath), closeErr)
	}
	return n, nil
}

var _ Accessor = (*S3)(nil)
