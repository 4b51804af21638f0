// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely "cpu" and "interp".
//
// To use it simply include:
//
//	import _ "github.com/gomlx/ondevice/backends/default"
package _default

import (
	_ "github.com/gomlx/ondevice/backends/cpu"
	_ "github.com/gomlx/ondevice/backends/interp"
)
