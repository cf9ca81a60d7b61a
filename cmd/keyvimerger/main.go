// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// keyvimerger merges keyvi dictionaries.  The index runs it as a
// subprocess when configured with an external merger; later inputs win
// and the deleted keys next to each input are dropped.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

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

func merge(c *cli.Context) error {
	logger := newLogger(c.Bool("verbose"))
	inputs := c.StringSlice("i")
	if len(inputs) == 0 {
		return cli.Exit("no inputs (-i)", 2)
	}

	opts := []keyvi.BuilderOption{keyvi.WithCompression(c.String("compression"))}
	if mem := c.Int64("m"); mem > 0 {
		opts = append(opts, keyvi.WithMemoryLimit(mem))
	}
	if dir := c.String("tmp-dir"); dir != "" {
		opts = append(opts, keyvi.WithTmpDir(dir))
	}
	m := keyvi.NewMerger(keyvi.WithMergeOptions(opts...), keyvi.WithMergerLogger(logger))
	defer func() { _ = m.Close() }()
	m.SetManifest(c.String("manifest"))

	for _, in := range inputs {
		if err := m.Add(in); err != nil {
			return fmt.Errorf("adding %s: %w", in, err)
		}
	}
	if err := m.Merge(c.Context, c.String("o")); err != nil {
		return fmt.Errorf("merging: %w", err)
	}
	stats := m.Stats()
	logger.Info("done",
		slog.Uint64("keys", stats.Keys),
		slog.Uint64("deletedKeys", stats.DeletedKeys),
		slog.Uint64("updatedKeys", stats.UpdatedKeys))
	return nil
}

func main() {
	app := &cli.App{
		Name:                      "keyvimerger",
		Usage:                     "merge keyvi dictionaries, later inputs win",
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:    "m",
				Aliases: []string{"memory-limit"},
				Usage:   "memory limit in bytes",
				Value:   keyvi.DefaultMemoryLimit(),
			},
			&cli.StringFlag{
				Name:     "o",
				Aliases:  []string{"output"},
				Usage:    "path of the merged dictionary",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "i",
				Aliases: []string{"input"},
				Usage:   "dictionary to merge, repeat for each input, oldest first",
			},
			&cli.StringFlag{
				Name:  "compression",
				Usage: "codec for JSON values: none, zlib, snappy, zstd or lz4",
				Value: "zlib",
			},
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "manifest of the merged dictionary",
			},
			&cli.StringFlag{
				Name:  "tmp-dir",
				Usage: "directory for temporary files",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log progress to stderr",
			},
		},
		Action: merge,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
