package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/unixdj/pngmin"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/pborman/getopt/v2"
)

var g = struct {
	cfg     pngmin.Config
	logLvl  int    // 0: errors, 1: summary, 2: settings, 3: progress, 4: debug
	cfgFile string // YAML settings
	list    bool   // list chunks and exit
}{
	logLvl: 3,
}

func printUsage(w io.Writer) {
	cl := getopt.CommandLine
	fmt.Fprint(w, "Lossless PNG image data optimizer\nUsage: ",
		cl.Program(), " ", cl.UsageLine(), " file ...", `

Each file is re-filtered and recompressed, verified to decode to the
same pixels and replaced if smaller.  Settings are applied in order:
preset (-p), configuration file (-c), other options.
Filtering level n searches at depth n-1; level 0 disables the pass.

`)
	var b bytes.Buffer
	cl.PrintOptions(&b)
	w.Write(b.Bytes())
}

type opt func()

func (opt) String() string                    { return "" }
func (o opt) Set(string, getopt.Option) error { o(); return nil }

func usage() {
	printUsage(os.Stderr)
	os.Exit(2)
}

func help() {
	printUsage(os.Stdout)
	os.Exit(0)
}

func version() {
	fmt.Println(`pngmin version 0.3.0
Copyright (c) 2025 Vadim Vygonets`)
	os.Exit(0)
}

func parseFlags() {
	getopt.SetUsage(usage)
	getopt.SetParameters("file ...")
	getopt.Flag(opt(help), 'h', "show this help").SetFlag()
	getopt.Flag(opt(version), 'V', "print version and copyright").SetFlag()
	preset := getopt.Unsigned('p', pngmin.DefaultPreset,
		&getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 0, Max: uint64(pngmin.NumPresets - 1)},
		"settings preset, fastest to slowest", "0-7")
	getopt.Flag(&g.cfgFile, 'c', "read settings from YAML file", "file")
	window := getopt.Unsigned('w', 0, &getopt.UnsignedLimit{Base: 0, Bits: 32, Min: 1, Max: 1 << 30},
		"compression probe window in bytes; "+
			"at least a scanline is always used", "bytes")
	iter := getopt.Unsigned('i', 0, &getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 1, Max: 255},
		"Zopfli iterations", "n")
	filt := getopt.Unsigned('f', 0, &getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 0, Max: 4},
		"first filtering pass level", "0-4")
	refine := getopt.Unsigned('r', 0, &getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 0, Max: 4},
		"second (refining) filtering pass level", "0-4")
	settings := getopt.Unsigned('s', 0, &getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 0, Max: 3},
		"compressor settings search level", "0-3")
	threads := getopt.Unsigned('t', 0, &getopt.UnsignedLimit{Base: 0, Bits: 16, Min: 0, Max: 4096},
		"worker threads [number of CPUs]", "n")
	backends := getopt.List('b', `compressors to run, from "huffman", `+
		`"lz77" and "zopfli" [all]`, "name,...")
	getopt.Flag(&g.cfg.DryRun, 'd', "dry run, do not write files")
	getopt.Flag(&g.cfg.Keep, 'k', "keep the input, write NAME_2.png")
	getopt.Flag(&g.cfg.MultiIDAT, 'm',
		"only process files with multiple IDAT chunks")
	getopt.Flag(&g.cfg.Overwrite, 'o', "overwrite existing output files")
	getopt.Flag(&g.cfg.Always, 'a',
		"write output even if it is not smaller")
	getopt.Flag(&g.list, 'L', "list chunks and exit")
	lvl := getopt.Unsigned('l', 3, &getopt.UnsignedLimit{Base: 0, Bits: 8, Min: 0, Max: 4},
		"log level: 0 errors, 1 summary, 2 settings, 3 progress, "+
			"4 debug", "0-4")

	getopt.Parse()
	if len(getopt.Args()) == 0 {
		usage()
	}
	g.logLvl = int(*lvl)

	// Preset, then file, then flags.
	var err error
	if g.cfg, err = overlay(g.cfg, int(*preset)); err != nil {
		log.Fatalln(err)
	}
	c := &g.cfg
	for _, f := range []struct {
		name rune
		dst  *int
		val  uint64
	}{
		{'w', &c.Window, *window},
		{'i', &c.Iterations, *iter},
		{'f', &c.Filter, *filt},
		{'r', &c.Refine, *refine},
		{'s', &c.Settings, *settings},
		{'t', &c.Threads, *threads},
	} {
		if getopt.IsSet(f.name) {
			*f.dst = int(f.val)
		}
	}
	if getopt.IsSet('b') {
		c.Backends = *backends
	}
	if g.cfg, err = g.cfg.Normalize(); err != nil {
		log.Fatalln(err)
	}
}

// overlay returns the preset with the configuration file and the
// boolean flags in flags applied.
func overlay(flags pngmin.Config, preset int) (pngmin.Config, error) {
	c, err := pngmin.Preset(preset)
	if err != nil {
		return c, err
	}
	if g.cfgFile != "" {
		if c, err = pngmin.LoadConfig(g.cfgFile, c); err != nil {
			return c, err
		}
	}
	c.DryRun = c.DryRun || flags.DryRun
	c.Keep = c.Keep || flags.Keep
	c.MultiIDAT = c.MultiIDAT || flags.MultiIDAT
	c.Overwrite = c.Overwrite || flags.Overwrite
	c.Always = c.Always || flags.Always
	return c, nil
}

func setupLogging() {
	level := slog.LevelInfo
	switch g.logLvl {
	case 0, 1, 2:
		level = slog.LevelWarn
	case 4:
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
}

func main() {
	log.SetFlags(0)
	parseFlags()
	setupLogging()

	c := g.cfg
	if g.logLvl >= 2 && !g.list {
		mode := ""
		switch {
		case c.DryRun:
			mode = "   DRY"
		case c.Keep && c.Overwrite:
			mode = "   KEEP   OVERWRITE"
		case c.Keep:
			mode = "   KEEP"
		case c.Overwrite:
			mode = "   OVERWRITE"
		}
		fmt.Printf("T=%d   W=%d   I=%d   F1=%d   F2=%d   S=%d%s\n",
			c.Threads, c.Window, c.Iterations, c.Filter, c.Refine,
			c.Settings, mode)
	}

	status := 0
	for _, fn := range getopt.Args() {
		if g.list {
			f, err := pngmin.ReadFile(fn)
			if err == nil {
				fmt.Printf("%s:\n", fn)
				err = f.List(os.Stdout)
			}
			if err != nil {
				slog.Error("Could not read image", "file", fn,
					tint.Err(err))
				status = 1
			}
			continue
		}
		if !process(fn, c) {
			status = 1
		}
	}
	os.Exit(status)
}

// process runs the optimizer on one file and reports the outcome.
// It returns false if the input could not be processed.  Output that
// fails verification is reported but is not a failure: the input is
// left as it was.
func process(fn string, c pngmin.Config) bool {
	r, err := pngmin.Run(fn, c)
	switch {
	case errors.Is(err, pngmin.ErrMismatch):
		slog.Error("There were errors in the output file", "file", fn,
			tint.Err(err))
		return true
	case err != nil:
		slog.Error("Could not optimize image", "file", fn, tint.Err(err))
		return false
	case r.Skipped || g.logLvl == 0:
		return true
	}

	best := r.Best
	desc := fmt.Sprintf("%s %s %v", best.Backend, best.Filtering, best.Knobs)
	var what string
	switch {
	case c.DryRun:
		what = "dry run"
	case !r.Written:
		what = "didn't write a new file"
	case c.Keep:
		what = "wrote " + r.Output
	default:
		what = "replaced"
	}
	fmt.Printf("%s   %s   %s   %s\n", pngmin.Change(r.Original, best.Size),
		desc, strings.TrimSpace(what), fn)
	if g.logLvl >= 3 {
		slog.Info("done", "file", fn,
			"saved", humanize.Bytes(uint64(max(r.Original-best.Size, 0))))
	}
	return true
}
