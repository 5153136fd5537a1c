// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !windows

// Package compat papers over platform differences.
package compat

import (
	"syscall"
)

// Umask sets the file mode creation mask.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
