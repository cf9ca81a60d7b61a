// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package valuestore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bpowers/keyvi/internal/compression"
	"github.com/bpowers/keyvi/internal/datafile"
	"github.com/bpowers/keyvi/internal/vint"
)

// jsonWriter stores JSON values as msgpack.  Each value is stored as a
// varint length followed by a record: one compression code byte and the,
// possibly compressed, msgpack payload.
type jsonWriter struct {
	*store
	codec     compression.Codec
	threshold int

	packed  bytes.Buffer
	rec     []byte
	encoded []byte
}

func (w *jsonWriter) Type() Type { return JSON }

func (w *jsonWriter) Add(value []byte) (uint64, bool, error) {
	v, err := decodeJSON(value)
	if err != nil {
		return 0, false, err
	}

	w.packed.Reset()
	enc := msgpack.NewEncoder(&w.packed)
	enc.UseCompactInts(true)
	enc.UseCompactFloats(true)
	// equal documents must encode equally to be stored once
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return 0, false, fmt.Errorf("msgpack: %w", err)
	}
	payload := w.packed.Bytes()

	w.rec = w.rec[:0]
	if w.codec.Code() != compression.None && len(payload) > w.threshold {
		w.rec = append(w.rec, byte(w.codec.Code()))
		if w.rec, err = w.codec.Compress(w.rec, payload); err != nil {
			return 0, false, err
		}
	} else {
		w.rec = append(w.rec, byte(compression.None))
		w.rec = append(w.rec, payload...)
	}
	return w.AddRaw(w.rec)
}

func (w *jsonWriter) AddRaw(raw []byte) (uint64, bool, error) {
	if len(raw) == 0 {
		return 0, false, fmt.Errorf("empty json record: %w", ErrBadValue)
	}
	w.encoded = vint.AppendVarInt(w.encoded[:0], uint64(len(raw)))
	w.encoded = append(w.encoded, raw...)
	return w.add(w.encoded)
}

func (w *jsonWriter) Record() datafile.Record {
	r := w.record()
	r["compression"] = w.codec.Name()
	r.SetUint("compression_threshold", uint64(w.threshold))
	return r
}

// decodeJSON parses value keeping integers exact.
func decodeJSON(value []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json value %q: %w", value, ErrBadValue)
	}
	if dec.More() {
		return nil, fmt.Errorf("json value %q has trailing data: %w", value, ErrBadValue)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		s := v.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return u
			}
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = normalizeNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalizeNumbers(e)
		}
		return v
	default:
		return v
	}
}

type jsonReader struct {
	data []byte
}

func (jsonReader) Type() Type { return JSON }

func (r jsonReader) RawValue(idx uint64) ([]byte, error) {
	if idx >= uint64(len(r.data)) {
		return nil, fmt.Errorf("json value %d: %w", idx, ErrBadIndex)
	}
	n, m := vint.VarInt(r.data[idx:])
	if m == 0 || n > uint64(len(r.data))-idx-uint64(m) {
		return nil, fmt.Errorf("json value %d: %w", idx, datafile.ErrTruncated)
	}
	start := idx + uint64(m)
	return r.data[start : start+n : start+n], nil
}

func (r jsonReader) Value(idx uint64) ([]byte, error) {
	raw, err := r.RawValue(idx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("json value %d empty: %w", idx, ErrBadValue)
	}
	codec, err := compression.ByCode(compression.Code(raw[0]))
	if err != nil {
		return nil, err
	}
	payload, err := codec.Decompress(nil, raw[1:])
	if err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("msgpack: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return out, nil
}
