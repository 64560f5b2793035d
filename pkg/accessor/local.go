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
	"path/filepath"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// LocalFS is an Accessor rooted in a directory on the local filesystem.
// Writes land via a temp-file-then-rename, the same atomic-publish
// pattern as the teacher's blockfmt.DirFS.WriteFile: a reader never
// observes a partially written object.
type LocalFS struct {
	Root string
	// TmpDir, if set, is used for the intermediate temp file instead of
	// Root itself (the engine's atomic_write_dir config knob — useful
	// when Root is a slower or remotely-mounted filesystem).
	TmpDir string
}

// NewLocalFS returns a LocalFS rooted at dir. dir is created if it does
// not already exist.
func NewLocalFS(dir, tmpDir string) (*LocalFS, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("accessor: creating root %s: %w", dir, err)
	}
	return &LocalFS{Root: dir, TmpDir: tmpDir}, nil
}

func (l *LocalFS) fullPath(p string) string {
	return filepath.Join(l.Root, filepath.Clean(string(filepath.Separator)+p))
}

func (l *LocalFS) ReadObject(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.fullPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("accessor: read %s: %w", path, fs.ErrNotExist)
		}
		return nil, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: read %s", path), err)
	}
	return data, nil
}

func (l *LocalFS) WriteObject(_ context.Context, path string, data []byte) error {
	full := l.fullPath(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: mkdir %s", dir), err)
	}
	tmpDir := dir
	if l.TmpDir != "" {
		tmpDir = l.TmpDir
		if err := os.MkdirAll(tmpDir, 0o750); err != nil {
			return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: mkdir %s", tmpDir), err)
		}
	}
	tmp, err := os.CreateTemp(tmpDir, filepath.Base(full)+".tmp-*")
	if err != nil {
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: create temp for %s", path), err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpName)
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: write %s", path), writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: close temp for %s", path), closeErr)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: rename into place %s", path), err)
	}
	return nil
}

func (l *LocalFS) DeleteObject(_ context.Context, path string) error {
	err := os.Remove(l.fullPath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: delete %s", path), err)
	}
	return nil
}

func (l *LocalFS) ObjectExists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.fullPath(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: stat %s", path), err)
}

func (l *LocalFS) ListDirectory(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(l.fullPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: list %s", dir), err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.ToSlash(filepath.Join(dir, e.Name())))
	}
	return out, nil
}

func (l *LocalFS) StreamRead(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.fullPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("accessor: stream read %s: %w", path, fs.ErrNotExist)
		}
		return nil, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: stream read %s", path), err)
	}
	return f, nil
}

func (l *LocalFS) CopyToLocal(_ context.Context, path, localPath string) (int64, error) {
	src, err := os.Open(l.fullPath(path))
	if err != nil {
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local open %s", path), err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
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
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local %s", path), copyErr)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return 0, merrors.Wrap(merrors.KindIo, fmt.Sprintf("accessor: copy-to-local close %s", localPath), closeErr)
	}
	return n, nil
}

var _ Accessor = (*LocalFS)(nil)
