package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/hvboot/config"
	"github.com/bobuhiro11/hvboot/efi"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var errOutOfRange = errors.New("physical address outside mapped memory")

type CLI struct {
	Run   RunCMD   `cmd:"" help:"Boot the application on simulated firmware described by fixtures."`
	Check CheckCMD `cmd:"" help:"Validate fixtures without booting."`
}

type RunCMD struct {
	Fixtures []string `arg:"" type:"existingfile" help:"YAML firmware descriptions."`
	Options  string   `short:"o" help:"Load options appended to each fixture's."`
	Phys     string   `short:"m" help:"Back physical memory with an anonymous mapping of this size, as number[gGmM]. Sparse memory is used when empty."`
	Jobs     int      `short:"j" default:"4" help:"Fixtures simulated concurrently."`
	Verbose  int      `short:"v" type:"counter" help:"Log verbosity."`
}

type CheckCMD struct {
	Fixtures []string `arg:"" type:"existingfile" help:"YAML firmware descriptions."`
}

func Parse() error {
	c := CLI{}

	programName := "hvbootsim"
	programDesc := "hvbootsim replays firmware descriptions through the hvboot hand-off"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (c *CheckCMD) Run() error {
	return c.run(os.Stdout)
}

func (c *CheckCMD) run(w io.Writer) error {
	var errs []error

	for _, path := range c.Fixtures {
		f, err := LoadFixture(path)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		var pages uint64
		for _, r := range f.MemoryMap {
			pages += r.Pages
		}

		fmt.Fprintf(w, "%s: %d regions, %d MiB\n", f.Name, len(f.MemoryMap), pages*efi.PageSize>>20)
	}

	return errors.Join(errs...)
}

func (r *RunCMD) Run() error {
	return r.run(os.Stdout)
}

func (r *RunCMD) memory() (efi.Memory, func(), error) {
	if r.Phys == "" {
		return nil, func() {}, nil
	}

	size, err := config.ParseSize(r.Phys, "g")
	if err != nil {
		return nil, nil, err
	}

	m, err := newPhysMemory(size)
	if err != nil {
		return nil, nil, err
	}

	return m, func() {
		if err := m.Close(); err != nil {
			klog.Warningf("unmap: %v", err)
		}
	}, nil
}

func (r *RunCMD) run(w io.Writer) error {
	options := r.Options
	if r.Verbose > 0 {
		options = strings.TrimSpace(options + " -" + strings.Repeat("v", r.Verbose))
	}

	fixtures := make([]*Fixture, len(r.Fixtures))

	for i, path := range r.Fixtures {
		f, err := LoadFixture(path)
		if err != nil {
			return err
		}

		fixtures[i] = f
	}

	reports := make([]bytes.Buffer, len(fixtures))
	failures := make([]error, len(fixtures))

	g := new(errgroup.Group)

	jobs := r.Jobs
	if jobs < 1 {
		jobs = 1
	}

	g.SetLimit(jobs)

	for i, f := range fixtures {
		g.Go(func() error {
			mem, release, err := r.memory()
			if err != nil {
				return err
			}
			defer release()

			res, err := Simulate(f, mem, options)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}

			res.Write(&reports[i])

			if err := res.Check(f.Expect); err != nil {
				failures[i] = fmt.Errorf("%s: %w", f.Name, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i := range reports {
		if _, err := reports[i].WriteTo(w); err != nil {
			return err
		}
	}

	return errors.Join(failures...)
}
