// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testdata prints random key<sep>value lines for `keyvi compile`.
package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math/rand"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		_, _ = crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

func pair(rng *rand.Rand, h hash.Hash, jsonValues bool) (key, value string) {
	var buf [suffixLen / 2]byte
	_, _ = rng.Read(buf[:])
	value = fmt.Sprintf("%s%x", prefix, buf)
	h.Reset()
	h.Write([]byte(value))
	key = hex.EncodeToString(h.Sum(nil))
	if jsonValues {
		value = fmt.Sprintf(`{"value": %q, "n": %d}`, value, rng.Intn(1000))
	}
	return key, value
}

func generate(c *cli.Context) error {
	sep := c.String("separator")
	rng := newRand(c.Int64("seed"))
	h := hmac.New(sha256.New, []byte(hmacKey))

	w := bufio.NewWriter(os.Stdout)
	for i := 0; i < c.Int("n"); i++ {
		key, value := pair(rng, h, c.Bool("json"))
		if _, err := fmt.Fprintf(w, "%s%s%s\n", key, sep, value); err != nil {
			return err
		}
	}
	return w.Flush()
}

func main() {
	app := &cli.App{
		Name:  "gen-testdata",
		Usage: "print random key/value lines",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 1000000, Usage: "number of lines"},
			&cli.Int64Flag{Name: "seed", Usage: "random seed, 0 for a random one"},
			&cli.StringFlag{Name: "separator", Value: "\t", Usage: "separator between key and value"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON values"},
		},
		Action: generate,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
