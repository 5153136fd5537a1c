// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build windows

package compat

// Umask is a no-op on this platform.
func Umask(mask int) int {
	return 0
}
