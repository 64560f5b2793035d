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

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// GlueCatalog is the AWS Glue catalog variant, named in the spec as a
// stub: every operation is rejected with a permanent error rather than
// calling out to Glue, the same placeholder shape the interface needs
// to exist so callers can select it without a build-time branch.
type GlueCatalog struct{}

func NewGlueCatalog() *GlueCatalog { return &GlueCatalog{} }

var errGlueUnimplemented = merrors.New(merrors.KindIcebergCommit, "glue catalog is not implemented")

func (g *GlueCatalog) ListNamespaces(ctx context.Context) ([]string, error) { return nil, errGlueUnimplemented }
func (g *GlueCatalog) CreateNamespace(ctx context.Context, namespace string) error {
	return errGlueUnimplemented
}
func (g *GlueCatalog) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	return false, errGlueUnimplemented
}
func (g *GlueCatalog) DropNamespace(ctx context.Context, namespace string) error {
	return errGlueUnimplemented
}
func (g *GlueCatalog) CreateTable(ctx context.Context, namespace, table string, initial *TableMetadata) error {
	return errGlueUnimplemented
}
func (g *GlueCatalog) TableExists(ctx context.Context, namespace, table string) (bool, error) {
	return false, errGlueUnimplemented
}
func (g *GlueCatalog) LoadTable(ctx context.Context, namespace, table string) (*TableMetadata, error) {
	return nil, errGlueUnimplemented
}
func (g *GlueCatalog) DropTable(ctx context.Context, namespace, table string) error {
	return errGlueUnimplemented
}
func (g *GlueCatalog) UpdateTable(ctx context.Context, update TableUpdate) (*TableMetadata, error) {
	return nil, errGlueUnimplemented
}
