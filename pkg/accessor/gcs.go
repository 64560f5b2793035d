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

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// GCS is an Accessor backed by a Google Cloud Storage bucket, using the
// ecosystem's own client library (there is no hand-rolled GCS signer in
// the teacher the way there is for S3).
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS constructs a GCS accessor for bucket/prefix using application
// default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindIo, "accessor: creating GCS client", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCS) fullKey(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if g.prefix == "" {
		return clean
	}
	return g.prefix + "/" + clean
}

func (g *GCS) object(p string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.fullKey(p))
}

func (g *GCS) ReadObject(ctx context.Context, p string) ([]byte, error) {
	r, err := g.object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("accessor: read %s: %w", p, fs.ErrNotExist)
		}
		return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: read %s", p), err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) WriteObject(ctx context.Context, p string, data []byte) error {
	w := g.object(p).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return merrors.WrapTemporary(fmt.Sprintf("accessor: write %s", p), err)
	}
	if err := w.Close(); err != nil {
		return merrors.WrapTemporary(fmt.Sprintf("accessor: write %s", p), err)
	}
	return nil
}

func (g *GCS) DeleteObject(ctx context.Context, p string) error {
	err := g.object(p).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return merrors.WrapTemporary(fmt.Sprintf("accessor: delete %s", p), err)
	}
	return nil
}

func (g *GCS) ObjectExists(ctx context.Context, p string) (bool, error) {
	_, err := g.object(p).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, merrors.WrapTemporary(fmt.Sprintf("accessor: stat %s", p), err)
}

func (g *GCS) ListDirectory(ctx context.Context, dir string) ([]string, error) {
	prefix := g.fullKey(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: list %s", dir), err)
		}
		if attrs.Name == "" {
			// a sub-prefix ("subdirectory") entry, not an object
			continue
		}
		name := strings.TrimPrefix(attrs.Name, g.prefix+"/")
		out = append(out, name)
	}
	return out, nil
}

func (g *GCS) StreamRead(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := g.object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("accessor: stream read %s: %w", p, fs.ErrNotExist)
		}
		return nil, merrors.WrapTemporary(fmt.Sprintf("accessor: stream read %s", p), err)
	}
	return r, nil
}

func (g *GCS) CopyToLocal(ctx context.Context, p, localPath string) (int64, error) {
	src, err := g.StreamRead(ctx, p)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	if err := os.MkdirAll(path.Dir(localPath), 0o750); err != nil {
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local mkdir for %s", localPath), err)
	}
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

var _ Accessor = (*GCS)(nil)
