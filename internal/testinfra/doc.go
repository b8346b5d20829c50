// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package testinfra starts Docker containers for integration tests.
//
// Everything here sits behind the integration build tag and skips when no
// Docker daemon is reachable:
//
//	go test -tags integration ./internal/store/...
//
// # MySQL
//
// NewMySQLContainer runs the MySQL version SeaTable deploys with and hands
// back a config.MySQLConfig for store.Open:
//
//	func TestStore(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    mysql, err := testinfra.NewMySQLContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, mysql)
//
//	    s, err := store.Open(ctx, mysql.Config())
//	    ...
//	}
package testinfra
