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

package row

// Field describes one named, typed, ordered column of a Schema. A field of
// KindStruct or KindArray carries its own nested Fields describing the
// shape of its Children; a field's Kind and the Kind of every Value stored
// under it must agree.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
	Children []Field // only meaningful when Kind is KindStruct or KindArray
}

// Schema is an ordered list of fields that every Row produced for a table
// must conform to positionally: Row.Values[i] corresponds to Fields[i].
type Schema struct {
	Fields []Field
}

// ColumnIndex returns the position of the named top-level field, or -1 if
// no field with that name exists.
func (s Schema) ColumnIndex(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Len returns the number of top-level fields in the schema.
func (s Schema) Len() int { return len(s.Fields) }
