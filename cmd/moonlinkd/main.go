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
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mooncake-labs/moonlink/internal/restapi"
	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/cache"
	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/metastore"
	"github.com/mooncake-labs/moonlink/pkg/rpc"
)

func main() {
	flagSet := flag.NewFlagSet("moonlinkd", flag.ExitOnError)
	restEndpoint := flagSet.String("rest", "127.0.0.1:3100", "endpoint to listen on for the REST control plane")
	rpcEndpoint := flagSet.String("rpc", "127.0.0.1:3101", "endpoint to listen on for the RPC scan surface")
	metaDir := flagSet.String("meta-dir", "./moonlink-data/meta", "local directory backing the metadata store")
	dataDir := flagSet.String("data-dir", "./moonlink-data/tables", "local directory for per-table working state")
	cacheDir := flagSet.String("cache-dir", "./moonlink-data/cache", "local directory for the shared read cache")
	cacheMaxBytes := flagSet.Int64("cache-max-bytes", 4<<30, "byte budget for the shared read cache")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metaAcc, err := accessor.New(ctx, config.StorageConfig{Backend: config.BackendLocalFS, RootDir: *metaDir})
	if err != nil {
		logger.Fatalf("moonlinkd: constructing metadata store accessor: %v", err)
	}
	ms := metastore.NewFileStore(metaAcc)

	readCache, err := cache.New(*cacheDir, *cacheMaxBytes)
	if err != nil {
		logger.Fatalf("moonlinkd: constructing read cache: %v", err)
	}
	readCache.Logger = logger

	d := NewDaemon(ms, readCache, *dataDir, logger)
	if err := d.StartAll(ctx); err != nil {
		logger.Fatalf("moonlinkd: starting tables: %v", err)
	}

	restl, err := net.Listen("tcp", *restEndpoint)
	if err != nil {
		logger.Fatalf("moonlinkd: listening on %s: %v", *restEndpoint, err)
	}
	rpcl, err := net.Listen("tcp", *rpcEndpoint)
	if err != nil {
		logger.Fatalf("moonlinkd: listening on %s: %v", *rpcEndpoint, err)
	}

	restHandler := restapi.New(d, logger)
	httpServer := &http.Server{Handler: restHandler}
	rpcServer := rpc.NewServer(d, logger)

	go func() {
		logger.Printf("moonlinkd: REST control plane listening on %v", restl.Addr())
		if err := httpServer.Serve(restl); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("moonlinkd: REST server: %v", err)
		}
	}()
	go func() {
		logger.Printf("moonlinkd: RPC surface listening on %v", rpcl.Addr())
		if err := rpcServer.Serve(ctx, rpcl); err != nil {
			logger.Fatalf("moonlinkd: RPC server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("moonlinkd: REST server shutdown: %v", err)
	}
}
