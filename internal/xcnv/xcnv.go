// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv converts acquisition results to and from LCIO files.
//
// Each module of a session is stored as one LCIO event, with one
// generic object collection per input channel.
package xcnv // import "github.com/go-lpc/lanxi/internal/xcnv"

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/lanxi/acq"
	"go-hep.org/x/hep/lcio"
)

const (
	detector = "LAN-XI"
	prefix   = "CH_"
)

// Result2LCIO writes the samples held by res to w.
func Result2LCIO(w *lcio.Writer, res acq.Result, run int32, msg *log.Logger) error {
	if msg == nil {
		msg = log.New(io.Discard, "", 0)
	}

	mods := make([]string, 0, len(res.Channels))
	for name := range res.Channels {
		mods = append(mods, name)
	}
	sort.Strings(mods)

	err := w.WriteRunHeader(&lcio.RunHeader{
		RunNumber: run,
		Detector:  detector,
		Descr:     strings.Join(mods, ","),
		Params: lcio.Params{
			Ints: map[string][]int32{
				"Modules": {int32(len(mods))},
			},
			Floats: map[string][]float32{
				"Elapsed": {float32(res.Elapsed.Seconds())},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("could not write run header: %w", err)
	}

	for i, name := range mods {
		chans := res.Channels[name]
		ids := make([]int, 0, len(chans))
		for id := range chans {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)

		msg.Printf("module %s: %d channels", name, len(ids))

		evt := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(i),
			Detector:    detector,
			Params: lcio.Params{
				Strings: map[string][]string{
					"Module": {name},
				},
			},
		}
		if err := res.Errors[name]; err != nil {
			evt.Params.Strings["Error"] = []string{err.Error()}
		}

		for _, id := range ids {
			acc := chans[uint16(id)]
			evt.Add(collection(uint16(id)), &lcio.GenericObject{
				Data: []lcio.GenericObjectData{
					{I32s: acc.Samples()},
				},
			})
		}

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("could not write event for module %s: %w", name, err)
		}
	}

	return nil
}

// LCIO2Samples reads back the samples stored in r, calling f for each
// input channel of each module.
func LCIO2Samples(r *lcio.Reader, f func(module string, channel uint16, samples []int32) error) error {
	for r.Next() {
		evt := r.Event()
		name := fmt.Sprintf("evt-%d", evt.EventNumber)
		if v := evt.Params.Strings["Module"]; len(v) > 0 {
			name = v[0]
		}

		for _, coll := range evt.Names() {
			id, ok := channelOf(coll)
			if !ok {
				continue
			}
			obj, ok := evt.Get(coll).(*lcio.GenericObject)
			if !ok || len(obj.Data) == 0 {
				return fmt.Errorf("invalid collection %q for module %s", coll, name)
			}
			err := f(name, id, obj.Data[0].I32s)
			if err != nil {
				return err
			}
		}
	}

	err := r.Err()
	if err != nil && err != io.EOF {
		return fmt.Errorf("could not read LCIO file: %w", err)
	}
	return nil
}

func collection(id uint16) string {
	return fmt.Sprintf("%s%03d", prefix, id)
}

func channelOf(coll string) (uint16, bool) {
	if !strings.HasPrefix(coll, prefix) {
		return 0, false
	}
	v, err := strconv.ParseUint(coll[len(prefix):], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
