// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package sparsearray packs automaton states into the sparse array of
// (label, value) slots that makes up the key part of a keyvi file.
package sparsearray

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/keyvi/internal/mmap"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/vint"
	"github.com/bpowers/keyvi/internal/zero"
)

const (
	// MaxTransitionsOfAState is the number of slots a state may occupy,
	// counted from its start position: 256 labels plus up to 5 varshort
	// units of the final value.
	MaxTransitionsOfAState = 261
	// NumberOfStateCodings is the distance between a state and the state
	// whose label-1 transition would alias its final marker.
	NumberOfStateCodings = 255
	// FinalOffsetTransition is the slot offset of a state's final marker.
	FinalOffsetTransition = 256
	// FinalOffsetCode is the label of the final marker slot.
	FinalOffsetCode = 1

	CompactSizeWindow           = 512
	CompactSizeRelativeMaxValue = 32768
	CompactSizeAbsoluteMaxValue = 16384

	// SearchOffset is how far left of the highest state the builder starts
	// looking for free slots.
	SearchOffset = 151

	minBufferSize   = 64 * 1024
	maxExternalSize = 1 << 30

	// maxSlotReach bounds how far past a state's start the builder may
	// write, including overflow buckets.
	maxSlotReach = 2048
)

var (
	ErrValueOverflow = errors.New("value does not fit into a bucket")
	errFlushed       = errors.New("sparse array already flushed")
)

// ResolveCompact decodes the compact pointer pt stored in slot pos.  bucket
// returns the raw 16-bit value of another slot and is used to read overflow
// buckets.
func ResolveCompact(pos uint64, pt uint16, bucket func(pos uint64) uint16) uint64 {
	if pt&0xC000 == 0xC000 {
		return uint64(pt & 0x3FFF)
	}
	if pt&0x8000 == 0 {
		return pos + CompactSizeWindow - uint64(pt)
	}

	overflow := uint64((pt&0x7FFF)>>4) + pos - CompactSizeWindow
	v, _ := vint.VarShortFunc(func(i int) uint16 {
		return bucket(overflow + uint64(i))
	})
	v = v<<3 + uint64(pt&0x7)
	if pt&0x8 != 0 {
		return pos + CompactSizeWindow - v
	}
	return v
}

// Persistence stores sparse array slots.  Recent slots live in an in-memory
// window; slots that fall behind the window are flushed to memory-mapped
// chunk files and can still be read and patched there.
type Persistence struct {
	width  ondisk.Width
	logger *slog.Logger

	labels  []byte
	buckets ondisk.Buckets

	labelsExtern      *mmap.Manager
	transitionsExtern *mmap.Manager
	tmpDir            string

	inMemoryOffset    int64
	bufferSize        int64
	flushSize         int64
	highestStateBegin int64
	highestRawWrite   int64
	flushed           bool
}

func align16(n int64) int64 {
	return (n + 15) &^ 15
}

// NewPersistence creates the slot storage for a sparse array of the given
// width.  memoryLimit bounds the in-memory window; temporary chunk files are
// created below tmpDir (the system temp dir if empty).
func NewPersistence(width ondisk.Width, memoryLimit int64, tmpDir string, logger *slog.Logger) (*Persistence, error) {
	if !width.Valid() {
		return nil, fmt.Errorf("invalid bucket width %d", width)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bufferSize := max(align16(memoryLimit/(1+int64(width))), minBufferSize)
	flushSize := align16(bufferSize * 3 / 5)

	dir, err := os.MkdirTemp(tmpDir, "keyvi-fsa-*")
	if err != nil {
		return nil, fmt.Errorf("os.MkdirTemp: %w", err)
	}

	chunkSize := min(flushSize*10, maxExternalSize)
	chunkSize = max(chunkSize-chunkSize%flushSize, flushSize)

	labelsExtern, err := mmap.NewManager(chunkSize, dir, "labels")
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("mmap.NewManager: %w", err)
	}
	transitionsExtern, err := mmap.NewManager(chunkSize*int64(width), dir, "transitions")
	if err != nil {
		_ = labelsExtern.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("mmap.NewManager: %w", err)
	}

	logger.Debug("sparse array persistence",
		slog.Int64("memoryLimit", memoryLimit),
		slog.Int64("bufferSize", bufferSize),
		slog.Int64("flushSize", flushSize),
		slog.String("width", width.String()))

	return &Persistence{
		width:             width,
		logger:            logger,
		labels:            make([]byte, bufferSize),
		buckets:           ondisk.NewBuckets(width, make([]byte, bufferSize*int64(width))),
		labelsExtern:      labelsExtern,
		transitionsExtern: transitionsExtern,
		tmpDir:            dir,
		bufferSize:        bufferSize,
		flushSize:         flushSize,
		highestRawWrite:   -1,
	}, nil
}

func (p *Persistence) Width() ondisk.Width {
	return p.width
}

// BeginNewState tells the persistence that a state is about to be written
// at offset, so slots far enough behind it can be flushed.
func (p *Persistence) BeginNewState(offset int64) error {
	if p.flushed {
		return errFlushed
	}
	for offset+maxSlotReach >= p.inMemoryOffset+p.bufferSize {
		if err := p.flushBuffers(); err != nil {
			return err
		}
	}
	if offset > p.highestStateBegin {
		p.highestStateBegin = offset
	}
	return nil
}

func (p *Persistence) flushBuffers() error {
	w := int64(p.width)
	if err := p.labelsExtern.Append(p.labels[:p.flushSize]); err != nil {
		return fmt.Errorf("labels flush: %w", err)
	}
	transitions := p.buckets.Bytes()
	if err := p.transitionsExtern.Append(transitions[:p.flushSize*w]); err != nil {
		return fmt.Errorf("transitions flush: %w", err)
	}

	overlap := p.bufferSize - p.flushSize
	copy(p.labels, p.labels[p.flushSize:])
	copy(transitions, transitions[p.flushSize*w:])
	zero.Bytes(p.labels[overlap:])
	zero.Bytes(transitions[overlap*w:])

	p.inMemoryOffset += p.flushSize
	p.logger.Debug("flushed sparse array window", slog.Int64("inMemoryOffset", p.inMemoryOffset))
	return nil
}

func (p *Persistence) inMemory(pos int64) bool {
	return !p.flushed && pos >= p.inMemoryOffset && pos < p.inMemoryOffset+p.bufferSize
}

// WriteTransition stores label and the raw bucket value in slot pos.
func (p *Persistence) WriteTransition(pos int64, label byte, value uint32) error {
	if pos < 0 {
		return fmt.Errorf("negative slot %d", pos)
	}
	if uint64(value) > p.width.MaxValue() {
		return fmt.Errorf("slot %d value %d: %w", pos, value, ErrValueOverflow)
	}
	if p.inMemory(pos) {
		i := pos - p.inMemoryOffset
		if err := p.buckets.Set(int(i), value); err != nil {
			return err
		}
		p.labels[i] = label
		p.noteWrite(pos)
		return nil
	}
	if !p.flushed && pos >= p.inMemoryOffset {
		return fmt.Errorf("slot %d ahead of the in-memory window [%d, %d)", pos, p.inMemoryOffset, p.inMemoryOffset+p.bufferSize)
	}

	l, err := p.labelsExtern.Address(pos)
	if err != nil {
		return fmt.Errorf("labels.Address(%d): %w", pos, err)
	}
	l[0] = label

	w := int64(p.width)
	t, err := p.transitionsExtern.Address(pos * w)
	if err != nil {
		return fmt.Errorf("transitions.Address(%d): %w", pos*w, err)
	}
	if err := ondisk.NewBuckets(p.width, t[:w]).Set(0, value); err != nil {
		return err
	}
	p.noteWrite(pos)
	return nil
}

// noteWrite grows Size to cover a slot that was written successfully.
func (p *Persistence) noteWrite(pos int64) {
	if pos > p.highestRawWrite {
		p.highestRawWrite = pos
	}
}

// ReadTransitionLabel returns the label stored in slot pos.  Slots that were
// never written read as 0.
func (p *Persistence) ReadTransitionLabel(pos int64) byte {
	if p.inMemory(pos) {
		return p.labels[pos-p.inMemoryOffset]
	}
	if pos < 0 || pos >= p.labelsExtern.Size() {
		return 0
	}
	l, err := p.labelsExtern.Address(pos)
	if err != nil {
		return 0
	}
	return l[0]
}

// ReadTransitionValue returns the raw bucket value stored in slot pos.
func (p *Persistence) ReadTransitionValue(pos int64) uint32 {
	if p.inMemory(pos) {
		return p.buckets.At(int(pos - p.inMemoryOffset))
	}
	w := int64(p.width)
	if pos < 0 || (pos+1)*w > p.transitionsExtern.Size() {
		return 0
	}
	var buf [4]byte
	if err := p.transitionsExtern.Buffer(pos*w, buf[:w]); err != nil {
		return 0
	}
	return ondisk.NewBuckets(p.width, buf[:w]).At(0)
}

// ResolveTransitionValue turns the raw value of slot pos into the target
// state offset.
func (p *Persistence) ResolveTransitionValue(pos int64, raw uint32) uint64 {
	if p.width == ondisk.Legacy {
		return uint64(raw)
	}
	return ResolveCompact(uint64(pos), uint16(raw), func(pos uint64) uint16 {
		return uint16(p.ReadTransitionValue(int64(pos)))
	})
}

// ReadFinalValue returns the final value of the state at offset.
func (p *Persistence) ReadFinalValue(offset int64) uint64 {
	pos := offset + FinalOffsetTransition
	if p.width == ondisk.Legacy {
		return uint64(p.ReadTransitionValue(pos))
	}
	v, _ := vint.VarShortFunc(func(i int) uint16 {
		return uint16(p.ReadTransitionValue(pos + int64(i)))
	})
	return v
}

// Size is the number of slots in the final array.
func (p *Persistence) Size() int64 {
	return max(p.highestStateBegin+MaxTransitionsOfAState, p.highestRawWrite+1)
}

// Flush moves the in-memory window to the chunk files.  No states can be
// written afterwards.  Flush is idempotent.
func (p *Persistence) Flush() error {
	if p.flushed {
		return nil
	}
	n := p.Size() - p.inMemoryOffset
	if n > p.bufferSize {
		return fmt.Errorf("sparse array size %d exceeds the in-memory window", p.Size())
	}
	if err := p.labelsExtern.Append(p.labels[:n]); err != nil {
		return fmt.Errorf("labels flush: %w", err)
	}
	if err := p.transitionsExtern.Append(p.buckets.Bytes()[:n*int64(p.width)]); err != nil {
		return fmt.Errorf("transitions flush: %w", err)
	}
	p.flushed = true
	p.labels = nil
	p.buckets = nil
	return nil
}

// WriteTo streams the labels followed by the transitions.  It requires a
// prior Flush.
func (p *Persistence) WriteTo(w io.Writer) (int64, error) {
	if !p.flushed {
		return 0, errors.New("sparse array not flushed")
	}
	size := p.Size()
	n1, err := p.labelsExtern.Write(w, size)
	if err != nil {
		return n1, fmt.Errorf("labels: %w", err)
	}
	n2, err := p.transitionsExtern.Write(w, size*int64(p.width))
	if err != nil {
		return n1 + n2, fmt.Errorf("transitions: %w", err)
	}
	return n1 + n2, nil
}

// Close releases the chunk files.
func (p *Persistence) Close() error {
	var result *multierror.Error
	if err := p.labelsExtern.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.transitionsExtern.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(p.tmpDir); err != nil {
		result = multierror.Append(result, err)
	}
	p.labels = nil
	p.buckets = nil
	return result.ErrorOrNil()
}
