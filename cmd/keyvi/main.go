// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// keyvi compiles and inspects keyvi dictionaries.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/bpowers/keyvi"
)

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func compile(c *cli.Context) error {
	logger := newLogger(c.Bool("verbose"))
	valueType, err := keyvi.ParseValueType(c.String("type"))
	if err != nil {
		return err
	}
	sep := c.String("separator")
	if len(sep) != 1 {
		return cli.Exit("separator must be a single byte", 2)
	}

	opts := []keyvi.BuilderOption{
		keyvi.WithBuilderLogger(logger),
		keyvi.WithValueType(valueType),
		keyvi.WithCompression(c.String("compression")),
		keyvi.WithCompressionThreshold(c.Int("compression-threshold")),
		keyvi.WithManifest(c.String("manifest")),
		keyvi.WithMinimization(!c.Bool("no-minimization")),
	}
	if mem := c.Int64("memory-limit"); mem > 0 {
		opts = append(opts, keyvi.WithMemoryLimit(mem))
	}
	if dir := c.String("tmp-dir"); dir != "" {
		opts = append(opts, keyvi.WithTmpDir(dir))
	}
	if c.Bool("legacy") {
		opts = append(opts, keyvi.WithLegacyFormat())
	}
	b, err := keyvi.NewBuilder(c.String("output"), opts...)
	if err != nil {
		return err
	}

	inputs := c.Args().Slice()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	for _, path := range inputs {
		if err := readLines(b, path, sep[0]); err != nil {
			return err
		}
	}
	return b.Finalize()
}

func readLines(b *keyvi.Builder, path string, sep byte) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := b.PutLine(line, sep); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return s.Err()
}

func openDictionary(c *cli.Context) (*keyvi.Dictionary, error) {
	if c.NArg() < 1 {
		return nil, cli.Exit("missing dictionary path", 2)
	}
	return keyvi.Open(c.Args().First())
}

func get(c *cli.Context) error {
	d, err := openDictionary(c)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	w := bufio.NewWriter(os.Stdout)
	defer func() { _ = w.Flush() }()
	missing := 0
	for _, key := range c.Args().Tail() {
		m, ok := d.GetString(key)
		if !ok {
			missing++
			continue
		}
		v, err := m.Value()
		if err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", key, v)
	}
	if missing > 0 {
		_ = w.Flush()
		return cli.Exit(fmt.Sprintf("%d keys not found", missing), 1)
	}
	return nil
}

func lookup(c *cli.Context) error {
	d, err := openDictionary(c)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	text := strings.Join(c.Args().Tail(), " ")
	w := bufio.NewWriter(os.Stdout)
	defer func() { _ = w.Flush() }()
	for m := range d.LookupText([]byte(text)) {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", m.Start, m.End, m.Key, m.ValueString())
	}
	return nil
}

func dump(c *cli.Context) error {
	d, err := openDictionary(c)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	matches := d.Items()
	if prefix := c.String("prefix"); prefix != "" {
		matches = d.PrefixCompletion([]byte(prefix))
	}
	w := bufio.NewWriter(os.Stdout)
	defer func() { _ = w.Flush() }()
	for m := range matches {
		if c.Bool("keys-only") {
			fmt.Fprintln(w, m.Key)
			continue
		}
		v, err := m.Value()
		if err != nil {
			return fmt.Errorf("%q: %w", m.Key, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", m.Key, v)
	}
	return nil
}

func stats(c *cli.Context) error {
	d, err := openDictionary(c)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	out, err := json.MarshalIndent(d.Statistics(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n", out)
	return err
}

func main() {
	app := &cli.App{
		Name:  "keyvi",
		Usage: "compile and inspect keyvi dictionaries",
		Commands: []*cli.Command{
			{
				Name:      "compile",
				Usage:     "compile key<sep>value lines into a dictionary",
				ArgsUsage: "[input files, - for stdin]",
				Action:    compile,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "dictionary to write"},
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: keyvi.StringValues.String(), Usage: "value type: key-only, int, string or json"},
					&cli.StringFlag{Name: "separator", Value: "\t", Usage: "separator between key and value"},
					&cli.StringFlag{Name: "compression", Value: "zlib", Usage: "codec for JSON values: none, zlib, snappy, zstd or lz4"},
					&cli.IntFlag{Name: "compression-threshold", Value: 32, Usage: "compress JSON values of at least this many bytes"},
					&cli.StringFlag{Name: "manifest", Usage: "manifest to embed"},
					&cli.Int64Flag{Name: "memory-limit", Aliases: []string{"m"}, Usage: "memory limit in bytes"},
					&cli.StringFlag{Name: "tmp-dir", Usage: "directory for temporary files"},
					&cli.BoolFlag{Name: "legacy", Usage: "write 4 byte transitions"},
					&cli.BoolFlag{Name: "no-minimization", Usage: "do not share suffixes and values"},
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log progress to stderr"},
				},
			},
			{
				Name:      "get",
				Usage:     "print the values of keys",
				ArgsUsage: "<dictionary> <key>...",
				Action:    get,
			},
			{
				Name:      "lookup",
				Usage:     "print the keys found in text",
				ArgsUsage: "<dictionary> <text>...",
				Action:    lookup,
			},
			{
				Name:      "dump",
				Usage:     "print all keys and values in order",
				ArgsUsage: "<dictionary>",
				Action:    dump,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prefix", Usage: "only keys starting with prefix"},
					&cli.BoolFlag{Name: "keys-only", Usage: "do not print values"},
				},
			},
			{
				Name:      "stats",
				Usage:     "print the properties of a dictionary",
				ArgsUsage: "<dictionary>",
				Action:    stats,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
