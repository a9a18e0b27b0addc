// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lanxi-daq runs a single acquisition session over a set of
// LAN-XI modules.
//
// The session setup is read either from a YAML file or from the
// setup database.
//
// Usage: lanxi-daq [OPTIONS]
//
// Example:
//
//	$> lanxi-daq -cfg ./session.yaml -run 42 -o ./data
//	$> lanxi-daq -db lanxi -setup ptp-2m -metrics :9090 -mail
package main // import "github.com/go-lpc/lanxi/cmd/lanxi-daq"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/lanxi"
	"github.com/go-lpc/lanxi/acq"
	"github.com/go-lpc/lanxi/internal/xcnv"
	"github.com/go-lpc/lanxi/rec"
	"github.com/go-lpc/lanxi/setupdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbinet/pmon"
	"go-hep.org/x/hep/lcio"
	mail "gopkg.in/gomail.v2"
)

func main() {
	log.SetPrefix("lanxi-daq: ")
	log.SetFlags(0)

	var (
		cfgName = flag.String("cfg", "", "path to session YAML configuration")
		dbName  = flag.String("db", "", "name of the setup database to read the session setup from")
		setup   = flag.String("setup", "", "name of the setup to retrieve (default: last setup)")
		runnbr  = flag.Int("run", 0, "run number")
		odir    = flag.String("o", "", "output directory for samples and CAN records")
		addr    = flag.String("metrics", "", "[address]:port to serve Prometheus metrics on")
		doMail  = flag.Bool("mail", false, "enable mail alerts on module failures")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		freq    = flag.Duration("freq", 1*time.Second, "pmon frequency")
		poll    = flag.Duration("poll", 0, "recorder status polling interval (default: 1s)")
		tmax    = flag.Duration("max-wait", 0, "maximum wait for a recorder state (default: 255s)")
	)

	flag.Parse()

	if v, _ := lanxi.Version(); v != "" {
		log.Printf("version: %s", v)
	}

	if *cfgName == "" && *dbName == "" {
		flag.Usage()
		log.Fatalf("missing session configuration (-cfg or -db)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, config{
		cfg:   *cfgName,
		db:    *dbName,
		setup: *setup,
		run:   *runnbr,
		odir:  *odir,
		addr:  *addr,
		mail:  *doMail,
		pmon:  *doMon,
		freq:  *freq,
		poll:  *poll,
		tmax:  *tmax,
	})
	if err != nil {
		log.Fatalf("could not run acquisition session: %+v", err)
	}
}

type config struct {
	cfg   string
	db    string
	setup string
	run   int
	odir  string
	addr  string
	mail  bool
	pmon  bool
	freq  time.Duration
	poll  time.Duration
	tmax  time.Duration
}

func run(ctx context.Context, cfg config) error {
	sess, err := loadConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("could not load session configuration: %w", err)
	}
	log.Printf("session: %d module(s), ptp=%v, samples=%d, duration=%v",
		len(sess.Modules), sess.PTP, sess.Samples, sess.Duration,
	)

	if cfg.pmon {
		stop, err := monitor(cfg)
		if err != nil {
			return fmt.Errorf("could not start pmon: %w", err)
		}
		defer stop()
	}

	var (
		reg  = prometheus.NewRegistry()
		opts = []acq.Option{
			acq.WithLogger(log.New(os.Stdout, "lanxi-daq: ", 0)),
			acq.WithMetrics(acq.NewMetrics(reg)),
		}
		mopts []rec.Option
	)
	if cfg.poll > 0 {
		mopts = append(mopts, rec.WithPollInterval(cfg.poll))
	}
	if cfg.tmax > 0 {
		mopts = append(mopts, rec.WithMaxWait(cfg.tmax))
	}
	opts = append(opts, acq.WithMachine(mopts...))

	if cfg.addr != "" {
		srv := &http.Server{
			Addr:    cfg.addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Printf("could not serve metrics: %+v", err)
			}
		}()
		defer srv.Close()
	}

	var cw *acq.CANWriter
	if cfg.odir != "" {
		err = os.MkdirAll(cfg.odir, 0755)
		if err != nil {
			return fmt.Errorf("could not create output directory: %w", err)
		}
		f, err := os.Create(filepath.Join(cfg.odir, fmt.Sprintf("lanxi_%03d_can.cbor", cfg.run)))
		if err != nil {
			return fmt.Errorf("could not create CAN output file: %w", err)
		}
		defer f.Close()
		cw = acq.NewCANWriter(f)
		opts = append(opts, acq.OnCAN(cw.Write))
	}

	s, err := acq.NewSession(sess, opts...)
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}

	// an interrupt stops the session: the samples collected so far are
	// still saved.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Printf("interrupted: stopping session...")
			s.Stop()
		case <-done:
		}
	}()

	err = s.Run(context.Background())
	if err != nil {
		return fmt.Errorf("could not run session: %w", err)
	}

	res := s.Result()
	report(res)

	if cfg.odir != "" {
		err = save(filepath.Join(cfg.odir, fmt.Sprintf("lanxi_%03d.slcio", cfg.run)), res, cfg.run)
		if err != nil {
			return fmt.Errorf("could not save samples: %w", err)
		}
		if err := cw.Err(); err != nil {
			return fmt.Errorf("could not save CAN records: %w", err)
		}
		log.Printf("saved %d CAN records", cw.N())
	}

	if err := s.Err(); err != nil {
		if cfg.mail {
			alertMail(cfg.run, res)
		}
		return err
	}

	return nil
}

func loadConfig(ctx context.Context, cfg config) (acq.Config, error) {
	if cfg.cfg != "" {
		return acq.LoadConfig(cfg.cfg)
	}

	db, err := setupdb.Open(cfg.db)
	if err != nil {
		return acq.Config{}, err
	}
	defer db.Close()

	if cfg.setup == "" {
		return db.LastSetup(ctx)
	}
	return db.Setup(ctx, cfg.setup)
}

func report(res acq.Result) {
	mods := make([]string, 0, len(res.Channels))
	for name := range res.Channels {
		mods = append(mods, name)
	}
	sort.Strings(mods)

	log.Printf("streamed for %v", res.Elapsed)
	for _, name := range mods {
		chans := res.Channels[name]
		ids := make([]int, 0, len(chans))
		for id := range chans {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			acc := chans[uint16(id)]
			log.Printf("module %s: channel %d: %d/%d samples", name, id, acc.Len(), acc.Target())
		}
		for ch, n := range res.CAN[name].Errors {
			log.Printf("module %s: CAN channel %d: %d/%d mismatches",
				name, ch, n, res.CAN[name].Records[ch],
			)
		}
		if err := res.Errors[name]; err != nil {
			log.Printf("module %s: %+v", name, err)
		}
	}
}

func save(fname string, res acq.Result, run int) error {
	w, err := lcio.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	err = xcnv.Result2LCIO(w, res, int32(run), log.Default())
	if err != nil {
		return fmt.Errorf("could not write samples: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}
	return nil
}

func monitor(cfg config) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring (pid=%d): %w", os.Getpid(), err)
	}

	dir := cfg.odir
	if dir == "" {
		dir = "."
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("lanxi_%03d-pmon.log", cfg.run)))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = cfg.freq

	go func() {
		log.Printf("run pmon...")
		err := p.Run()
		if err != nil {
			log.Printf("could not start monitoring: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(run int, res acq.Result) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	body := new(strings.Builder)
	fmt.Fprintf(body, "run: %d\nelapsed: %v\n", run, res.Elapsed)
	for name, err := range res.Errors {
		fmt.Fprintf(body, "module %s: %v\n", name, err)
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[lanxi-daq] run %d: %d module failure(s)", run, len(res.Errors)))
	msg.SetBody("text/plain", body.String())

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
