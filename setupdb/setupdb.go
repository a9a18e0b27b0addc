// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package setupdb retrieves named acquisition setups from the
// LAN-XI setup database.
//
// A setup is stored as a row of the setups table, along with the
// modules taking part in it in the setup_modules table.
package setupdb // import "github.com/go-lpc/lanxi/setupdb"

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/go-lpc/lanxi/acq"
	"github.com/go-sql-driver/mysql"
	"golang.org/x/xerrors"
)

var (
	host = envOr("LANXI_DB_HOST", "localhost")
	usr  = envOr("LANXI_DB_USER", "username")
	pwd  = envOr("LANXI_DB_PASS", "s3cr3t")

	drvName = "mysql"
)

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// DB exposes convenience methods to retrieve acquisition setups from
// the setup database.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the setup database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, xerrors.Errorf("setupdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	cfg := mysql.NewConfig()
	cfg.User = usr
	cfg.Passwd = pwd
	cfg.Net = "tcp"
	cfg.Addr = host
	cfg.DBName = db
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return xerrors.Errorf("setupdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// LastSetup returns the most recently recorded setup.
func (db *DB) LastSetup(ctx context.Context) (acq.Config, error) {
	name, err := db.LastSetupName(ctx)
	if err != nil {
		return acq.Config{}, err
	}
	return db.Setup(ctx, name)
}

// LastSetupName returns the name of the most recently recorded setup.
func (db *DB) LastSetupName(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := ""
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name FROM setups ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return name, xerrors.Errorf("setupdb: could not query last setup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&name)
		if err != nil {
			return name, xerrors.Errorf("setupdb: could not get last setup name: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return name, xerrors.Errorf("setupdb: could not scan db for last setup: %w", err)
	}

	if name == "" {
		return name, xerrors.Errorf("setupdb: no setup in %q db", db.name)
	}

	return name, nil
}

// Setup returns the acquisition setup with the given name.
func (db *DB) Setup(ctx context.Context, name string) (acq.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		cfg   acq.Config
		found = false
		dur   int64 // in milliseconds
		rtmo  int64 // in milliseconds
	)

	rows, err := db.db.QueryContext(
		ctx,
		`SELECT samples, duration_ms, ptp, open, setup,
		sync_master, sync_slave, verify, read_timeout_ms
		FROM setups WHERE name=? LIMIT 1`,
		name,
	)
	if err != nil {
		return cfg, xerrors.Errorf("setupdb: could not query setup %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(
			&cfg.Samples, &dur, &cfg.PTP, &cfg.Open, &cfg.Setup,
			&cfg.SyncMode.Master, &cfg.SyncMode.Slave, &cfg.Verify, &rtmo,
		)
		if err != nil {
			return cfg, xerrors.Errorf("setupdb: could not get setup %q: %w", name, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return cfg, xerrors.Errorf("setupdb: could not scan db for setup %q: %w", name, err)
	}
	if !found {
		return cfg, xerrors.Errorf("setupdb: no setup %q", name)
	}
	cfg.Duration = time.Duration(dur) * time.Millisecond
	cfg.ReadTimeout = time.Duration(rtmo) * time.Millisecond

	cfg.Modules, err = db.modules(ctx, name)
	if err != nil {
		return cfg, err
	}

	if err := ctx.Err(); err != nil {
		return cfg, xerrors.Errorf("setupdb: context error while retrieving setup %q: %w", name, err)
	}

	return cfg, nil
}

func (db *DB) modules(ctx context.Context, name string) ([]acq.Endpoint, error) {
	var mods []acq.Endpoint

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT addr, role FROM setup_modules WHERE setup=? ORDER BY position",
		name,
	)
	if err != nil {
		return nil, xerrors.Errorf("setupdb: could not query modules of setup %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ep   acq.Endpoint
			role string
		)
		err = rows.Scan(&ep.Addr, &role)
		if err != nil {
			return nil, xerrors.Errorf("setupdb: could not get module of setup %q: %w", name, err)
		}
		ep.Role = acq.Role(role)
		mods = append(mods, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("setupdb: could not scan db for modules of setup %q: %w", name, err)
	}
	if len(mods) == 0 {
		return nil, xerrors.Errorf("setupdb: setup %q has no module", name)
	}

	return mods, nil
}
