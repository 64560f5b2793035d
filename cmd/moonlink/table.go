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

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newCreateTableCmd() *cobra.Command {
	var schemaPath, configPath string
	cmd := &cobra.Command{
		Use:   "create-table <database> <table>",
		Short: "Register a new table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaJSON, err := os.ReadFile(schemaPath)
			if err != nil {
				return fmt.Errorf("reading schema file: %w", err)
			}
			var configJSON []byte
			if configPath != "" {
				configJSON, err = os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}

			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.CreateTable(args[0], args[1], schemaJSON, configJSON)
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "path to a JSON schema document (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON table-config document")
	cmd.MarkFlagRequired("schema")
	return cmd
}

func newDropTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-table <database> <table>",
		Short: "Drop a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DropTable(args[0], args[1])
		},
	}
}

func newListTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tables",
		Short: "List every registered table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			tables, err := c.ListTables()
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(tables, "\n"))
			return nil
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <database> <table>",
		Short: "Print a table's schema document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			schemaJSON, err := c.GetTableSchema(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(string(schemaJSON))
			return nil
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	var lsnStr string
	cmd := &cobra.Command{
		Use:   "snapshot <database> <table>",
		Short: "Force an immediate iceberg snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lsn *uint64
			if lsnStr != "" {
				v, err := strconv.ParseUint(lsnStr, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --lsn: %w", err)
				}
				lsn = &v
			}
			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.CreateSnapshot(args[0], args[1], lsn)
		},
	}
	cmd.Flags().StringVar(&lsnStr, "lsn", "", "wait for at least this LSN to be durable (default: latest commit)")
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize <database> <table>",
		Short: "Force an immediate compaction/index-merge pass",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRPC()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.OptimizeTable(args[0], args[1])
		},
	}
}
