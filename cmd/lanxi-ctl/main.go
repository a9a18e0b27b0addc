// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lanxi-ctl sends control commands to LAN-XI modules.
//
// Without a command, lanxi-ctl starts an interactive shell.
//
// Usage: lanxi-ctl [OPTIONS] [CMD [ARGS...]]
//
// Example:
//
//	$> lanxi-ctl -addr 10.10.3.1,10.10.3.2 state
//	10.10.3.1: state=Idle input=Sampling ptp=Locked
//	10.10.3.2: state=Idle input=Sampling ptp=Locked
//	$> lanxi-ctl -addr 10.10.3.1 gen start '{"outputs":[{"number":1}]}'
//	$> lanxi-ctl -addr 10.10.3.1
//	lanxi> open
//	lanxi> state
//	lanxi> idle
package main // import "github.com/go-lpc/lanxi/cmd/lanxi-ctl"

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/lanxi/rec"
	"github.com/peterh/liner"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("lanxi-ctl: ")
	log.SetFlags(0)

	var (
		addrs = flag.String("addr", "", "comma-separated list of module addresses")
		tmax  = flag.Duration("max-wait", 255*time.Second, "maximum wait for a recorder state")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lanxi-ctl [OPTIONS] [CMD [ARGS...]]\n\ncommands:\n%s\noptions:\n", help)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *addrs == "" {
		flag.Usage()
		log.Fatalf("missing module address")
	}

	ctl, err := newCtl(os.Stdout, strings.Split(*addrs, ","), rec.WithMaxWait(*tmax))
	if err != nil {
		log.Fatalf("could not create controller: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if flag.NArg() > 0 {
		err = ctl.exec(ctx, flag.Args())
		if err != nil {
			log.Fatalf("could not run %q: %+v", flag.Arg(0), err)
		}
		return
	}

	err = ctl.shell(ctx)
	if err != nil {
		log.Fatalf("could not run shell: %+v", err)
	}
}

const help = `  state                       display the status of all modules
  watch [freq]                display state changes until interrupted
  ports                       display the streaming ports of all modules
  idle                        bring all modules back to Idle
  open [json]                 open the recorder application
  close                       close the recorder application
  apply                       apply the pending frame configuration
  reboot                      reboot the modules
  gen OP [json]               send a generator command (prepare, start, stop, output)
  get PATH                    send a GET request and display the reply
  put|post|delete PATH [json] send a request with an optional JSON body
  help                        display this help message
  quit                        exit the shell
`

type module struct {
	cli *rec.Client
	m   *rec.Machine
}

type ctl struct {
	mu   sync.Mutex
	w    io.Writer
	mods []module
}

func newCtl(w io.Writer, addrs []string, opts ...rec.Option) (*ctl, error) {
	c := &ctl{w: w}
	opts = append([]rec.Option{rec.WithLogger(log.New(log.Writer(), "rec: ", 0))}, opts...)
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		cli, err := rec.NewClient(addr)
		if err != nil {
			return nil, fmt.Errorf("could not create client for %q: %w", addr, err)
		}
		c.mods = append(c.mods, module{cli: cli, m: rec.New(cli, opts...)})
	}
	if len(c.mods) == 0 {
		return nil, fmt.Errorf("no module address")
	}
	return c, nil
}

func (c *ctl) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *ctl) shell(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(line string) []string {
		var cmds []string
		for _, name := range commands {
			if strings.HasPrefix(name, line) {
				cmds = append(cmds, name)
			}
		}
		return cmds
	})

	for {
		o, err := line.Prompt("lanxi> ")
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}

		args := strings.Fields(o)
		if len(args) == 0 {
			continue
		}
		line.AppendHistory(o)

		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}

		err = c.exec(ctx, args)
		if err != nil {
			log.Printf("could not run %q: %+v", args[0], err)
		}
	}
}

var commands = []string{
	"apply", "close", "delete", "gen", "get", "help", "idle",
	"open", "ports", "post", "put", "quit", "reboot", "state", "watch",
}

func (c *ctl) exec(ctx context.Context, args []string) error {
	name := args[0]
	args = args[1:]

	switch name {
	case "help":
		c.printf("%s", help)
		return nil

	case "state":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			st, err := mod.cli.Status(ctx)
			if err != nil {
				return err
			}
			c.printf("%s: state=%v input=%s ptp=%s\n",
				mod.cli.Host(), st.ModuleState, st.InputStatus, st.PtpStatus,
			)
			return nil
		})

	case "watch":
		freq := 1 * time.Second
		if len(args) > 0 {
			v, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid watch frequency %q: %w", args[0], err)
			}
			freq = v
		}
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return c.watch(ctx, mod, freq)
		})

	case "ports":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			ports, err := mod.cli.TCPPorts(ctx)
			if err != nil {
				return err
			}
			c.printf("%s: ports=%v\n", mod.cli.Host(), ports)
			return nil
		})

	case "idle":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.m.ToIdle(ctx)
		})

	case "open":
		body, err := bodyOf(args, 0)
		if err != nil {
			return err
		}
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.m.Open(ctx, body)
		})

	case "close":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.m.Close(ctx)
		})

	case "apply":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.cli.Apply(ctx)
		})

	case "reboot":
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.cli.Reboot(ctx)
		})

	case "gen":
		if len(args) == 0 {
			return fmt.Errorf("missing generator operation")
		}
		body, err := bodyOf(args, 1)
		if err != nil {
			return err
		}
		return c.each(ctx, func(ctx context.Context, mod module) error {
			return mod.cli.Generator(ctx, args[0], body)
		})

	case "get":
		if len(args) == 0 {
			return fmt.Errorf("missing request path")
		}
		return c.each(ctx, func(ctx context.Context, mod module) error {
			var reply json.RawMessage
			err := mod.cli.Get(ctx, args[0], &reply)
			if err != nil {
				return err
			}
			c.printf("%s: %s\n", mod.cli.Host(), reply)
			return nil
		})

	case "put", "post", "delete":
		if len(args) == 0 {
			return fmt.Errorf("missing request path")
		}
		body, err := bodyOf(args, 1)
		if err != nil {
			return err
		}
		return c.each(ctx, func(ctx context.Context, mod module) error {
			switch name {
			case "put":
				return mod.cli.Put(ctx, args[0], body)
			case "post":
				return mod.cli.Post(ctx, args[0], body)
			default:
				return mod.cli.Delete(ctx, args[0], body)
			}
		})
	}

	return fmt.Errorf("unknown command %q", name)
}

// each runs f concurrently on all modules.
func (c *ctl) each(ctx context.Context, f func(ctx context.Context, mod module) error) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := range c.mods {
		mod := c.mods[i]
		grp.Go(func() error {
			err := f(ctx, mod)
			if err != nil {
				return fmt.Errorf("module %s: %w", mod.cli.Host(), err)
			}
			return nil
		})
	}
	return grp.Wait()
}

func (c *ctl) watch(ctx context.Context, mod module, freq time.Duration) error {
	tick := time.NewTicker(freq)
	defer tick.Stop()

	var last rec.Status
	for i := 0; ; i++ {
		st, err := mod.cli.Status(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		if i == 0 || st != last {
			c.printf("%s: %s state=%v input=%s ptp=%s\n",
				mod.cli.Host(), time.Now().UTC().Format(time.RFC3339),
				st.ModuleState, st.InputStatus, st.PtpStatus,
			)
			last = st
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// bodyOf returns the JSON request body held in args[i], if any.
func bodyOf(args []string, i int) ([]byte, error) {
	if len(args) <= i {
		return nil, nil
	}
	body := []byte(strings.Join(args[i:], " "))
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON request body %q", body)
	}
	return body, nil
}
