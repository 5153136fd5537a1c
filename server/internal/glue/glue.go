// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/server/audit"
	"github.com/siegelpost/siegelpost/server/config"
	"github.com/siegelpost/siegelpost/server/internal/pipeline"
	"github.com/siegelpost/siegelpost/server/internal/replay"
	"github.com/siegelpost/siegelpost/server/internal/rotation"
	"github.com/siegelpost/siegelpost/server/keypkg"
	"github.com/siegelpost/siegelpost/server/keystore"
	"github.com/siegelpost/siegelpost/server/msgdb"
	"github.com/siegelpost/siegelpost/server/notify"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	IdentityKeys() keystore.Store
	SessionKeys() keypkg.Store
	Messages() msgdb.Store

	ReplayDetector() *replay.Detector
	Pipeline() *pipeline.Pipeline
	Rotation() *rotation.Scheduler

	Auditor() audit.Sink
	Notifier() notify.Notifier
}
