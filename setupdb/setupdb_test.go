// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package setupdb

import (
	"context"
	"database/sql/driver"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/lanxi/acq"
	"github.com/go-lpc/lanxi/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func setupRows() []fakedb.Rows {
	return []fakedb.Rows{
		{
			Names: []string{
				"samples", "duration_ms", "ptp", "open", "setup",
				"sync_master", "sync_slave", "verify", "read_timeout_ms",
			},
			Values: [][]driver.Value{{
				int64(4096), int64(1500), true, "", `{"channels":[]}`,
				`{"m":1}`, `{"s":1}`, "0102030405060708", int64(2000),
			}},
		},
		{
			Names: []string{"addr", "role"},
			Values: [][]driver.Value{
				{"10.10.3.1", "master"},
				{"10.10.3.2", "slave"},
			},
		},
	}
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open setupdb: %+v", err)
	}
	defer db.Close()
}

func TestDSN(t *testing.T) {
	got := dsn("lanxi")
	if !strings.HasPrefix(got, usr+":"+pwd+"@tcp("+host+")/lanxi") {
		t.Fatalf("invalid DSN: %q", got)
	}
}

func TestSetup(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open setupdb: %+v", err)
	}
	defer db.Close()

	var cfg acq.Config
	queries, err := fakedb.Run(context.Background(), func(ctx context.Context) error {
		var err error
		cfg, err = db.Setup(ctx, "ptp-2m")
		return err
	}, setupRows()...)
	if err != nil {
		t.Fatalf("could not retrieve setup: %+v", err)
	}

	want := acq.Config{
		Modules: []acq.Endpoint{
			{Addr: "10.10.3.1", Role: acq.Master},
			{Addr: "10.10.3.2", Role: acq.Slave},
		},
		Samples:     4096,
		Duration:    1500 * time.Millisecond,
		PTP:         true,
		Setup:       `{"channels":[]}`,
		SyncMode:    acq.SyncMode{Master: `{"m":1}`, Slave: `{"s":1}`},
		Verify:      "0102030405060708",
		ReadTimeout: 2 * time.Second,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("invalid setup:\ngot= %+v\nwant=%+v", cfg, want)
	}

	if got, want := len(queries), 2; got != want {
		t.Fatalf("invalid number of queries: got=%d, want=%d", got, want)
	}
	for i, q := range queries {
		if !reflect.DeepEqual(q.Args, []driver.Value{"ptp-2m"}) {
			t.Fatalf("query %d: invalid arguments: %v", i, q.Args)
		}
	}
	if !strings.Contains(queries[1].SQL, "setup_modules") {
		t.Fatalf("invalid modules query: %q", queries[1].SQL)
	}
}

func TestLastSetup(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open setupdb: %+v", err)
	}
	defer db.Close()

	rows := append([]fakedb.Rows{{
		Names:  []string{"name"},
		Values: [][]driver.Value{{"ptp-2m"}},
	}}, setupRows()...)

	var cfg acq.Config
	queries, err := fakedb.Run(context.Background(), func(ctx context.Context) error {
		var err error
		cfg, err = db.LastSetup(ctx)
		return err
	}, rows...)
	if err != nil {
		t.Fatalf("could not retrieve last setup: %+v", err)
	}
	if got, want := len(cfg.Modules), 2; got != want {
		t.Fatalf("invalid number of modules: got=%d, want=%d", got, want)
	}
	if got, want := queries[1].Args, []driver.Value{"ptp-2m"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid setup query arguments: got=%v, want=%v", got, want)
	}
}

func TestSetupErrors(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open setupdb: %+v", err)
	}
	defer db.Close()

	for _, tc := range []struct {
		name string
		f    func(ctx context.Context) error
		rows []fakedb.Rows
	}{
		{
			name: "no-last-setup",
			f: func(ctx context.Context) error {
				_, err := db.LastSetup(ctx)
				return err
			},
		},
		{
			name: "no-setup",
			f: func(ctx context.Context) error {
				_, err := db.Setup(ctx, "missing")
				return err
			},
		},
		{
			name: "no-module",
			f: func(ctx context.Context) error {
				_, err := db.Setup(ctx, "ptp-2m")
				return err
			},
			rows: setupRows()[:1],
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fakedb.Run(context.Background(), tc.f, tc.rows...)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
