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

import "context"

// Catalog is the table-format catalog abstraction (spec §4.7): a sealed
// set of backends (file-system, REST, Glue) sharing one capability
// surface, analogous to the teacher's db.Tenant/OutputFS split but
// scoped to table-metadata operations rather than raw object I/O.
type Catalog interface {
	ListNamespaces(ctx context.Context) ([]string, error)
	CreateNamespace(ctx context.Context, namespace string) error
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	DropNamespace(ctx context.Context, namespace string) error

	CreateTable(ctx context.Context, namespace, table string, initial *TableMetadata) error
	TableExists(ctx context.Context, namespace, table string) (bool, error)
	LoadTable(ctx context.Context, namespace, table string) (*TableMetadata, error)
	DropTable(ctx context.Context, namespace, table string) error

	// UpdateTable commits update, failing with a KindIcebergCommit error
	// if update.ExpectedSeqNum no longer matches the catalog's current
	// sequence number (a concurrent commit raced this one).
	UpdateTable(ctx context.Context, update TableUpdate) (*TableMetadata, error)
}
