// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package sparsearray

import (
	"github.com/dgryski/go-farm"
)

// DefaultHashSeed keeps builds reproducible.
const DefaultHashSeed uint64 = 0x9e3779b97f4a7c15

// HashContext is the seeded hash used to detect equivalent states.
type HashContext struct {
	Seed uint64
}

func DefaultHashContext() HashContext {
	return HashContext{Seed: DefaultHashSeed}
}

func (h HashContext) Sum(b []byte) uint64 {
	return farm.Hash64WithSeed(b, h.Seed)
}

// packedState is what the minimization cache remembers about a persisted
// state: enough to find candidates, which are then compared against the
// persisted slots.
type packedState struct {
	offset int64
	hash   uint64
	n      int32
}

// approximate bytes per entry: the entry itself plus map overhead
const packedStateCost = 48

// hashSizeSteps are the table sizes a generation can have.
var hashSizeSteps = [...]int{
	997, 2029, 4079, 8171, 16363, 32749, 65519, 131041, 262127, 524269,
	1048559, 2097133, 4194287, 8388587, 16777199, 33554393, 67108837,
	134217689, 268435399, 536870879, 1073741789,
}

const (
	loadFactor     = 0.6
	minGenerations = 3
	maxGenerations = 6
	// entries chained under one hash before further ones are dropped
	overflowLimit = 8
)

// minimizationHash is one generation of the cache.
type minimizationHash struct {
	entries map[uint64][]packedState
	count   int
}

func newMinimizationHash(capacity int) *minimizationHash {
	return &minimizationHash{
		entries: make(map[uint64][]packedState, capacity),
	}
}

func (h *minimizationHash) get(hash uint64, equal func(packedState) bool) (packedState, int, bool) {
	for i, e := range h.entries[hash] {
		if equal(e) {
			return e, i, true
		}
	}
	return packedState{}, 0, false
}

func (h *minimizationHash) add(ps packedState) {
	chain := h.entries[ps.hash]
	if len(chain) >= overflowLimit {
		return
	}
	h.entries[ps.hash] = append(chain, ps)
	h.count++
}

func (h *minimizationHash) remove(hash uint64, i int) {
	chain := h.entries[hash]
	chain = append(chain[:i], chain[i+1:]...)
	if len(chain) == 0 {
		delete(h.entries, hash)
	} else {
		h.entries[hash] = chain
	}
	h.count--
}

// memoryConfiguration picks the number of generations and their size so
// that together they use as much of memoryLimit as possible.
func memoryConfiguration(memoryLimit int64) (generations, itemsPerGeneration int) {
	bestUsage := int64(0)
	generations, itemsPerGeneration = minGenerations, hashSizeSteps[0]
	for g := minGenerations; g <= maxGenerations; g++ {
		items := 0
		for _, step := range hashSizeSteps {
			if int64(step)*packedStateCost*int64(g) > memoryLimit {
				break
			}
			items = step
		}
		if usage := int64(items) * packedStateCost * int64(g); usage > bestUsage {
			bestUsage = usage
			generations = g
			itemsPerGeneration = int(float64(items) * loadFactor)
		}
	}
	return generations, max(itemsPerGeneration, 1)
}

// lruGenerations is the minimization cache: a current generation plus a
// bounded list of older ones.  When the current generation is full it is
// retired and the oldest generation is dropped; hits in older generations
// are moved to the current one.
type lruGenerations struct {
	maxGenerations int
	maxItems       int
	current        *minimizationHash
	generations    []*minimizationHash
}

func newLRUGenerations(memoryLimit int64) *lruGenerations {
	g, items := memoryConfiguration(memoryLimit)
	return &lruGenerations{
		maxGenerations: g,
		maxItems:       items,
		current:        newMinimizationHash(min(items, 1<<16)),
	}
}

func (c *lruGenerations) Get(hash uint64, equal func(packedState) bool) (packedState, bool) {
	if ps, _, ok := c.current.get(hash, equal); ok {
		return ps, true
	}
	for i := len(c.generations) - 1; i >= 0; i-- {
		gen := c.generations[i]
		if ps, j, ok := gen.get(hash, equal); ok {
			gen.remove(hash, j)
			c.Add(ps)
			return ps, true
		}
	}
	return packedState{}, false
}

func (c *lruGenerations) Add(ps packedState) {
	c.current.add(ps)
	if c.current.count < c.maxItems {
		return
	}
	c.generations = append(c.generations, c.current)
	if len(c.generations) >= c.maxGenerations {
		c.generations[0] = nil
		c.generations = c.generations[1:]
	}
	c.current = newMinimizationHash(min(c.maxItems, 1<<16))
}

// Len returns the number of cached states across all generations.
func (c *lruGenerations) Len() int {
	n := c.current.count
	for _, g := range c.generations {
		n += g.count
	}
	return n
}
