// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tomtom215/dtable-events/internal/config"
)

const (
	// DefaultMySQLImage matches the MySQL major version SeaTable ships with.
	DefaultMySQLImage = "mysql:8.0"

	// DefaultMySQLDatabase is the schema created in the container.
	DefaultMySQLDatabase = "dtable_db"

	mysqlPort         = "3306/tcp"
	mysqlRootPassword = "root"
)

// MySQLContainer is a running MySQL server for store tests.
type MySQLContainer struct {
	testcontainers.Container
	Host     string
	Port     int
	Database string
}

// MySQLOption configures a MySQLContainer.
type MySQLOption func(*mysqlConfig)

type mysqlConfig struct {
	image        string
	database     string
	startTimeout time.Duration
}

// WithMySQLImage overrides the container image.
func WithMySQLImage(image string) MySQLOption {
	return func(c *mysqlConfig) { c.image = image }
}

// WithDatabase overrides the schema name.
func WithDatabase(name string) MySQLOption {
	return func(c *mysqlConfig) { c.database = name }
}

// WithStartTimeout overrides how long to wait for the server to accept
// connections.
func WithStartTimeout(d time.Duration) MySQLOption {
	return func(c *mysqlConfig) { c.startTimeout = d }
}

// NewMySQLContainer starts a MySQL container and waits until it is ready.
//
//	mysql, err := testinfra.NewMySQLContainer(ctx)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer testinfra.CleanupContainer(t, ctx, mysql)
//	s, err := store.Open(ctx, mysql.Config())
func NewMySQLContainer(ctx context.Context, opts ...MySQLOption) (*MySQLContainer, error) {
	cfg := &mysqlConfig{
		image:        DefaultMySQLImage,
		database:     DefaultMySQLDatabase,
		startTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// MySQL logs "ready for connections" once for the init server and once
	// for the real one.
	req := testcontainers.ContainerRequest{
		Image:        cfg.image,
		ExposedPorts: []string{mysqlPort},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlRootPassword,
			"MYSQL_DATABASE":      cfg.database,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(mysqlPort),
			wait.ForLog("ready for connections").WithOccurrence(2),
		).WithDeadline(cfg.startTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create mysql container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get mapped port: %w", err)
	}

	return &MySQLContainer{
		Container: container,
		Host:      host,
		Port:      port.Int(),
		Database:  cfg.database,
	}, nil
}

// Config returns a store configuration pointing at the container with
// migrations enabled.
func (m *MySQLContainer) Config() config.MySQLConfig {
	return config.MySQLConfig{
		Host:         m.Host,
		Port:         m.Port,
		User:         "root",
		Password:     mysqlRootPassword,
		Database:     m.Database,
		MaxOpenConns: 4,
		AutoMigrate:  true,
	}
}
