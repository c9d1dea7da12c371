// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-shell initializes a crate (simulated by default) and
// runs an interactive diagnostic REPL over it: it reads and writes
// module variables and issues boot/status, import/export and assign
// commands, the way operators of a
// DAQ crate want a quick hands-on tool without writing a Go program.
package main // import "github.com/go-pixie/pixie16/cmd/pixie-shell"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/go-pixie/pixie16/alert"
	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/crate"
	"github.com/go-pixie/pixie16/firmware"
	"github.com/go-pixie/pixie16/sdkconfig"
)

const historyFile = ".pixie-shell_history"

func main() {
	cfg, ok, err := sdkconfig.Load(".", "/etc/pixie16")
	if err != nil {
		log.Fatalf("pixie-shell: %+v", err)
	}

	var (
		numSlots = flag.Int("slots", cfg.NumSlots, "number of crate slots to probe")
		sim      = flag.Bool("sim", true, "use the in-process simulated bus instead of real hardware")
	)
	flag.Parse()

	log.SetPrefix("pixie-shell: ")
	log.SetFlags(0)

	if !ok {
		log.Printf("no pixie16 config file found, using defaults (num_slots=%d)", cfg.NumSlots)
	}

	if err := run(*numSlots, *sim, cfg); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(numSlots int, sim bool, cfg sdkconfig.Config) error {
	reg := firmware.NewRegistry()
	c := crate.New(noopLoader{}, reg, nil)

	if cfg.AlertSMTPHost != "" {
		mailer := alert.NewMailer(cfg.AlertSMTPHost, cfg.AlertSMTPPort, "", "", cfg.AlertFrom, cfg.AlertTo, log.Default())
		c.SetAlerter(mailer)
	}

	var drv bus.Driver
	if sim {
		drv = bus.NewSimDriver()
	} else {
		drv = &bus.PCIDriver{}
	}

	probe := func(ctx context.Context, drv bus.Driver, slot int) (bool, crate.Revision, int, uint32, firmware.Tag, error) {
		if sim {
			sd := drv.(*bus.SimDriver)
			if slot%4 == 0 {
				sd.PresentDevice(slot)
				return true, 'F', 16, uint32(slot), firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}, nil
			}
			return false, 0, 0, 0, firmware.Tag{}, nil
		}
		h, err := drv.Open(slot)
		if err != nil {
			if err == bus.ErrDeviceAbsent {
				return false, 0, 0, 0, firmware.Tag{}, nil
			}
			return false, 0, 0, 0, firmware.Tag{}, err
		}
		h.Close()
		return true, 'F', 16, uint32(slot), firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}, nil
	}

	if err := c.Initialize(context.Background(), drv, numSlots, probe); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Printf("found %d module(s)\n", c.NumModules())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt("pixie16> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prompt: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := dispatch(c, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		}
	}
}

func dispatch(c *crate.Crate, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "quit", "exit":
		os.Exit(0)
	case "status":
		for i := 0; i < c.NumModules(); i++ {
			m, _ := c.Module(i)
			fmt.Printf("module %d: slot=%d online=%v\n", i, m.Slot(), m.Online())
		}
	case "boot":
		return c.Boot(context.Background(), nil, false)
	case "read":
		if len(fields) != 3 {
			return fmt.Errorf("usage: read <module> <var>")
		}
		num, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		m, err := c.Module(num)
		if err != nil {
			return err
		}
		v, err := m.ReadVar(fields[2], true)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %d\n", fields[2], v)
	case "write":
		if len(fields) != 4 {
			return fmt.Errorf("usage: write <module> <var> <value>")
		}
		num, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		value, err := strconv.ParseUint(fields[3], 0, 32)
		if err != nil {
			return err
		}
		m, err := c.Module(num)
		if err != nil {
			return err
		}
		return m.WriteVar(fields[2], uint32(value), true)
	case "import":
		if len(fields) != 2 {
			return fmt.Errorf("usage: import <file>")
		}
		f, err := os.Open(fields[1])
		if err != nil {
			return err
		}
		defer f.Close()
		warnings, err := c.ImportConfig(f)
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "import: warning: %s\n", w)
		}
		return err
	case "export":
		if len(fields) != 2 {
			return fmt.Errorf("usage: export <file>")
		}
		f, err := os.Create(fields[1])
		if err != nil {
			return err
		}
		defer f.Close()
		return c.ExportConfig(f)
	case "assign":
		if len(fields) < 2 {
			return fmt.Errorf("usage: assign <slot>:<number> [<slot>:<number> ...]")
		}
		numbers := make(map[int]int, len(fields)-1)
		for _, pair := range fields[1:] {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return fmt.Errorf("assign: malformed slot:number pair %q", pair)
			}
			slot, err := strconv.Atoi(parts[0])
			if err != nil {
				return err
			}
			num, err := strconv.Atoi(parts[1])
			if err != nil {
				return err
			}
			numbers[slot] = num
		}
		return c.Assign(numbers, false)
	default:
		return fmt.Errorf("unknown command %q (try: status, boot, read, write, import, export, assign, quit)", fields[0])
	}
	return nil
}

type noopLoader struct{}

func (noopLoader) Load(moduleNumber int, kind firmware.Kind, image []byte) error { return nil }
