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
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/spf13/cobra"
)

// Ingest and upload have no RPC counterpart (internal/restapi.Service is
// the only surface that exposes them, spec §6), so these two commands
// speak plain HTTP against moonlinkd's REST endpoint instead of dialing
// pkg/rpc like every other subcommand in this tree.

func newIngestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest <database> <table>",
		Short: "Append a JSON row batch to a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader = os.Stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening %s: %w", file, err)
				}
				defer f.Close()
				body = f
			}

			u := fmt.Sprintf("%s/ingest/%s.%s", flagRESTAddr, url.PathEscape(args[0]), url.PathEscape(args[1]))
			return postREST(u, body)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON row-batch document (default: stdin)")
	return cmd
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <database> <table> <parquet-file>",
		Short: "Bulk-load rows from a local Parquet file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[2], err)
			}
			u := fmt.Sprintf("%s/upload/%s.%s?name=%s", flagRESTAddr, url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(path.Base(args[2])))
			return postREST(u, bytes.NewReader(data))
		},
	}
	return cmd
}

func postREST(u string, body io.Reader) error {
	resp, err := httpClient().Post(u, "application/octet-stream", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("moonlinkd: %s: %s", resp.Status, msg)
	}
	return nil
}
