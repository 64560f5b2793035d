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

package iceberg

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// FSCatalog is the file-system catalog variant (spec §4.7): table
// metadata lives at {warehouse}/{namespace}/{table}/metadata/, a new
// version is written to v{N}.metadata.json and version-hint.text is
// overwritten last, each write going through the accessor's own
// atomic temp-then-rename publish (pkg/accessor.Accessor.WriteObject),
// mirroring the teacher's single-file db.OpenIndex/IndexPath scheme
// generalized to a versioned sequence of metadata documents.
type FSCatalog struct {
	acc accessor.Accessor

	// mu serializes UpdateTable's read-current/write-next sequence per
	// catalog instance; a real deployment relies on the rename being
	// atomic across processes too, same as the teacher's index object
	// write.
	mu sync.Mutex
}

// NewFSCatalog constructs a catalog backed by acc, rooted wherever acc's
// own configuration points (a local directory or object-store prefix).
func NewFSCatalog(acc accessor.Accessor) *FSCatalog {
	return &FSCatalog{acc: acc}
}

func metadataDir(namespace, table string) string {
	return path.Join(namespace, table, "metadata")
}

func versionHintPath(namespace, table string) string {
	return path.Join(metadataDir(namespace, table), "version-hint.text")
}

func metadataPath(namespace, table string, seq uint64) string {
	return path.Join(metadataDir(namespace, table), fmt.Sprintf("v%d.metadata.json", seq))
}

// registryPath is a small namespace/table name index the catalog itself
// maintains. The accessor addresses objects by name only and
// ListDirectory deliberately never recurses (pkg/accessor.Accessor), so
// there is no way to discover namespaces/tables by walking the backend;
// the teacher's db.List/db.Tables can do this because they walk an
// fs.FS directly, a capability this engine's accessor abstraction does
// not expose across all three backends (S3/GCS listing is also
// non-recursive and paginated, unlike a local fs.FS walk).
const registryPath = "_catalog/registry.json"

type registry struct {
	// Namespace -> table names.
	Namespaces map[string][]string `json:"namespaces"`
}

func (c *FSCatalog) readRegistry(ctx context.Context) (*registry, error) {
	buf, err := c.acc.ReadObject(ctx, registryPath)
	if err != nil {
		return &registry{Namespaces: make(map[string][]string)}, nil
	}
	var r registry
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, merrors.Wrap(merrors.KindIcebergCommit, "decoding catalog registry", err)
	}
	if r.Namespaces == nil {
		r.Namespaces = make(map[string][]string)
	}
	return &r, nil
}

func (c *FSCatalog) writeRegistry(ctx context.Context, r *registry) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return merrors.Wrap(merrors.KindIcebergCommit, "encoding catalog registry", err)
	}
	return c.acc.WriteObject(ctx, registryPath, buf)
}

func (c *FSCatalog) ListNamespaces(ctx context.Context) ([]string, error) {
	r, err := c.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.Namespaces))
	for ns := range r.Namespaces {
		out = append(out, ns)
	}
	return out, nil
}

func (c *FSCatalog) CreateNamespace(ctx context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.readRegistry(ctx)
	if err != nil {
		return err
	}
	if _, ok := r.Namespaces[namespace]; !ok {
		r.Namespaces[namespace] = nil
	}
	return c.writeRegistry(ctx, r)
}

func (c *FSCatalog) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	r, err := c.readRegistry(ctx)
	if err != nil {
		return false, err
	}
	_, ok := r.Namespaces[namespace]
	return ok, nil
}

func (c *FSCatalog) DropNamespace(ctx context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.readRegistry(ctx)
	if err != nil {
		return err
	}
	for _, t := range r.Namespaces[namespace] {
		if err := c.acc.DeleteObject(ctx, versionHintPath(namespace, t)); err != nil {
			return err
		}
	}
	delete(r.Namespaces, namespace)
	return c.writeRegistry(ctx, r)
}

func (c *FSCatalog) CreateTable(ctx context.Context, namespace, table string, initial *TableMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.tableExistsLocked(ctx, namespace, table)
	if err != nil {
		return err
	}
	if exists {
		return merrors.New(merrors.KindIcebergCommit, fmt.Sprintf("table %s.%s already exists", namespace, table))
	}
	initial.SequenceNumber = 1
	if err := c.writeVersion(ctx, namespace, table, initial); err != nil {
		return err
	}

	r, err := c.readRegistry(ctx)
	if err != nil {
		return err
	}
	r.Namespaces[namespace] = appendIfMissing(r.Namespaces[namespace], table)
	return c.writeRegistry(ctx, r)
}

func appendIfMissing(lst []string, s string) []string {
	for _, e := range lst {
		if e == s {
			return lst
		}
	}
	return append(lst, s)
}

func (c *FSCatalog) tableExistsLocked(ctx context.Context, namespace, table string) (bool, error) {
	return c.acc.ObjectExists(ctx, versionHintPath(namespace, table))
}

func (c *FSCatalog) TableExists(ctx context.Context, namespace, table string) (bool, error) {
	return c.acc.ObjectExists(ctx, versionHintPath(namespace, table))
}

func (c *FSCatalog) LoadTable(ctx context.Context, namespace, table string) (*TableMetadata, error) {
	return c.loadCurrent(ctx, namespace, table)
}

func (c *FSCatalog) loadCurrent(ctx context.Context, namespace, table string) (*TableMetadata, error) {
	hint, err := c.acc.ReadObject(ctx, versionHintPath(namespace, table))
	if err != nil {
		return nil, err
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(hint)), 10, 64)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindIcebergCommit, "parsing version-hint.text", err)
	}
	buf, err := c.acc.ReadObject(ctx, metadataPath(namespace, table, seq))
	if err != nil {
		return nil, err
	}
	var md TableMetadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return nil, merrors.Wrap(merrors.KindIcebergCommit, "decoding table metadata", err)
	}
	return &md, nil
}

func (c *FSCatalog) DropTable(ctx context.Context, namespace, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.DeleteObject(ctx, versionHintPath(namespace, table))
}

// writeVersion publishes metadata as the new current version: write
// v{N}.metadata.json first, then overwrite version-hint.text (spec §6
// "Updates: write v{N+1}.metadata.json, then overwrite version-hint.text
// atomically"). Each WriteObject call is itself atomic (temp file then
// rename), so the two-step sequence here can never leave a reader
// observing a version-hint pointing at a metadata file that doesn't
// exist yet.
func (c *FSCatalog) writeVersion(ctx context.Context, namespace, table string, md *TableMetadata) error {
	buf, err := json.Marshal(md)
	if err != nil {
		return merrors.Wrap(merrors.KindIcebergCommit, "encoding table metadata", err)
	}
	if err := c.acc.WriteObject(ctx, metadataPath(namespace, table, md.SequenceNumber), buf); err != nil {
		return err
	}
	hint := strconv.FormatUint(md.SequenceNumber, 10)
	return c.acc.WriteObject(ctx, versionHintPath(namespace, table), []byte(hint))
}

func (c *FSCatalog) UpdateTable(ctx context.Context, update TableUpdate) (*TableMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.loadCurrent(ctx, update.Namespace, update.Table)
	if err != nil {
		return nil, err
	}
	if current.SequenceNumber != update.ExpectedSeqNum {
		return nil, merrors.New(merrors.KindIcebergCommit,
			fmt.Sprintf("concurrent commit: catalog is at seq %d, update expected %d", current.SequenceNumber, update.ExpectedSeqNum))
	}
	update.Metadata.SequenceNumber = current.SequenceNumber + 1
	if err := c.writeVersion(ctx, update.Namespace, update.Table, update.Metadata); err != nil {
		return nil, err
	}
	return update.Metadata, nil
}
