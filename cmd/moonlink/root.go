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
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mooncake-labs/moonlink/pkg/rpc"
)

// Global persistent flags, bound in newRootCmd.
var (
	flagRPCAddr  string
	flagRESTAddr string
)

// httpClientTimeout bounds every REST request this CLI makes; ingest and
// upload bodies are expected to be small administrative payloads, not
// bulk transfers.
const httpClientTimeout = 30 * time.Second

func httpClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// dialRPC opens a Client against the configured RPC endpoint. Every
// subcommand dials fresh rather than sharing a connection: these are
// one-shot administrative calls, not a long-lived session.
func dialRPC() (*rpc.Client, error) {
	return rpc.Dial("tcp", flagRPCAddr)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "moonlink",
		Short:         "Administrative CLI for a moonlinkd server",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagRPCAddr, "rpc-addr", "127.0.0.1:3101", "moonlinkd RPC endpoint")
	cmd.PersistentFlags().StringVar(&flagRESTAddr, "rest-addr", "http://127.0.0.1:3100", "moonlinkd REST endpoint")

	cmd.AddCommand(newCreateTableCmd())
	cmd.AddCommand(newDropTableCmd())
	cmd.AddCommand(newListTablesCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newOptimizeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newUploadCmd())

	return cmd
}
