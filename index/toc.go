// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const (
	tocFileName     = "index.toc"
	tocPartFileName = "index.toc.part"
)

type toc struct {
	Files []string `json:"files"`
}

// readTOC returns the segment file names of the index in dir, oldest
// first.  An index without a table of contents is empty.
func readTOC(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, tocFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	var t toc
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%s: %w", tocFileName, err)
	}
	for _, name := range t.Files {
		if name == "" || filepath.Base(name) != name {
			return nil, fmt.Errorf("%s: bad segment name %q", tocFileName, name)
		}
	}
	return t.Files, nil
}

// writeTOC replaces the table of contents.  Readers either see the old
// or the new list, never a partial one.
func writeTOC(dir string, files []string) error {
	if files == nil {
		files = []string{}
	}
	data, err := json.Marshal(toc{Files: files})
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	part := filepath.Join(dir, tocPartFileName)
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("os.Create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(part, filepath.Join(dir, tocFileName)); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// statTOC returns nil when there is no table of contents yet.
func statTOC(dir string) (fs.FileInfo, error) {
	fi, err := os.Stat(filepath.Join(dir, tocFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("os.Stat: %w", err)
	}
	return fi, nil
}

// sameTOC reports whether two stats describe the same table of contents.
// Every write renames a new file into place, so the file identity changes
// even when the modification time does not.
func sameTOC(a, b fs.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ModTime().Equal(b.ModTime()) && a.Size() == b.Size() && os.SameFile(a, b)
}
