// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides functions to zero slices of specific types.
package zero

func Bytes(b []byte) {
	for i := 0; i < len(b); i++ {
		b[i] = 0
	}
}

// Strings drops the references held by s so the strings can be collected.
func Strings(s []string) {
	for i := 0; i < len(s); i++ {
		s[i] = ""
	}
}
