// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the siegelpost server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	defaultIdentityKeyDB = "identity_keys.db"
	defaultSessionKeyDB  = "session_keys.db"
	defaultMessageDB     = "messages.db"

	defaultReplayWindowSeconds  = 300
	defaultRotationInterval     = 3600
	defaultRotationDays         = 1
	defaultRevokedRetentionDays = 30
	defaultMessageRetentionDays = 30
	defaultPackageLifetimeDays  = 7
	defaultPipelineQueueDepth   = 64
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the top level server configuration.
type Server struct {
	// DataDir is the absolute path to the server's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Stores names the bolt database files, relative to DataDir.
type Stores struct {
	// IdentityKeyDB is the identity key registry database file.
	IdentityKeyDB string

	// SessionKeyDB is the session key package database file.
	SessionKeyDB string

	// MessageDB is the encrypted message database file.
	MessageDB string
}

func (sCfg *Stores) applyDefaults() {
	if sCfg.IdentityKeyDB == "" {
		sCfg.IdentityKeyDB = defaultIdentityKeyDB
	}
	if sCfg.SessionKeyDB == "" {
		sCfg.SessionKeyDB = defaultSessionKeyDB
	}
	if sCfg.MessageDB == "" {
		sCfg.MessageDB = defaultMessageDB
	}
}

func (sCfg *Stores) validate() error {
	for _, f := range []string{sCfg.IdentityKeyDB, sCfg.SessionKeyDB, sCfg.MessageDB} {
		if filepath.IsAbs(f) {
			return fmt.Errorf("config: Stores: '%v' must be relative to DataDir", f)
		}
	}
	return nil
}

// Replay is the replay detector configuration.
type Replay struct {
	// WindowSeconds is the sliding window inside which a repeated
	// envelope fingerprint is rejected.
	WindowSeconds int
}

func (rCfg *Replay) applyDefaults() {
	if rCfg.WindowSeconds == 0 {
		rCfg.WindowSeconds = defaultReplayWindowSeconds
	}
}

func (rCfg *Replay) validate() error {
	if rCfg.WindowSeconds < 0 {
		return fmt.Errorf("config: Replay: WindowSeconds %d is invalid", rCfg.WindowSeconds)
	}
	return nil
}

// Window returns the replay window as a duration.
func (rCfg *Replay) Window() time.Duration {
	return time.Duration(rCfg.WindowSeconds) * time.Second
}

// Rotation is the key rotation scheduler configuration.
type Rotation struct {
	// IntervalSeconds is the pause between scheduler sweeps.
	IntervalSeconds int

	// RotationDays is how far ahead of a package's expiry rotation is
	// demanded.
	RotationDays int

	// RevokedRetentionDays is how long revoked packages are retained
	// before being purged.
	RevokedRetentionDays int

	// MessageRetentionDays is how long messages are retained before the
	// retention purge claims them, self-destruct timers aside.
	MessageRetentionDays int
}

func (rCfg *Rotation) applyDefaults() {
	if rCfg.IntervalSeconds == 0 {
		rCfg.IntervalSeconds = defaultRotationInterval
	}
	if rCfg.RotationDays == 0 {
		rCfg.RotationDays = defaultRotationDays
	}
	if rCfg.RevokedRetentionDays == 0 {
		rCfg.RevokedRetentionDays = defaultRevokedRetentionDays
	}
	if rCfg.MessageRetentionDays == 0 {
		rCfg.MessageRetentionDays = defaultMessageRetentionDays
	}
}

func (rCfg *Rotation) validate() error {
	if rCfg.IntervalSeconds < 0 || rCfg.RotationDays < 0 || rCfg.RevokedRetentionDays < 0 || rCfg.MessageRetentionDays < 0 {
		return errors.New("config: Rotation: negative durations are invalid")
	}
	return nil
}

// Interval returns the sweep interval as a duration.
func (rCfg *Rotation) Interval() time.Duration {
	return time.Duration(rCfg.IntervalSeconds) * time.Second
}

// Horizon returns the rotation horizon as a duration.
func (rCfg *Rotation) Horizon() time.Duration {
	return time.Duration(rCfg.RotationDays) * 24 * time.Hour
}

// RevokedRetention returns the revoked retention horizon as a duration.
func (rCfg *Rotation) RevokedRetention() time.Duration {
	return time.Duration(rCfg.RevokedRetentionDays) * 24 * time.Hour
}

// MessageRetention returns the message retention horizon as a duration.
func (rCfg *Rotation) MessageRetention() time.Duration {
	return time.Duration(rCfg.MessageRetentionDays) * 24 * time.Hour
}

// Policy is the message handling policy configuration.
type Policy struct {
	// RequireSignature rejects unsigned inbound messages.  Off by
	// default: an unsigned message decrypts normally and stays
	// Unverified.
	RequireSignature bool

	// DisableSingleActiveKey allows a user to hold several Active
	// identity keys at once.  By default an upload disables the user's
	// other Active keys.
	DisableSingleActiveKey bool

	// PackageLifetimeDays is the default session key package lifetime.
	PackageLifetimeDays int
}

func (pCfg *Policy) applyDefaults() {
	if pCfg.PackageLifetimeDays == 0 {
		pCfg.PackageLifetimeDays = defaultPackageLifetimeDays
	}
}

func (pCfg *Policy) validate() error {
	if pCfg.PackageLifetimeDays < 0 {
		return fmt.Errorf("config: Policy: PackageLifetimeDays %d is invalid", pCfg.PackageLifetimeDays)
	}
	return nil
}

// PackageLifetime returns the default package lifetime as a duration.
func (pCfg *Policy) PackageLifetime() time.Duration {
	return time.Duration(pCfg.PackageLifetimeDays) * 24 * time.Hour
}

// Debug is the debug configuration.
type Debug struct {
	// NumPipelineWorkers is the number of workers in the pipeline's
	// general pool.  Defaults to the number of CPUs.
	NumPipelineWorkers int

	// NumSignatureWorkers is the number of workers signature
	// verifications run on.  Defaults to a quarter of the CPUs.
	NumSignatureWorkers int

	// PipelineQueueDepth bounds the pipeline pools' backlogs.
	PipelineQueueDepth int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.PipelineQueueDepth == 0 {
		dCfg.PipelineQueueDepth = defaultPipelineQueueDepth
	}
}

// Config is the top level server configuration.
type Config struct {
	Server   *Server
	Logging  *Logging
	Stores   *Stores
	Replay   *Replay
	Rotation *Rotation
	Policy   *Policy
	Debug    *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Stores == nil {
		cfg.Stores = &Stores{}
	}
	if cfg.Replay == nil {
		cfg.Replay = &Replay{}
	}
	if cfg.Rotation == nil {
		cfg.Rotation = &Rotation{}
	}
	if cfg.Policy == nil {
		cfg.Policy = &Policy{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Stores.validate(); err != nil {
		return err
	}
	if err := cfg.Replay.validate(); err != nil {
		return err
	}
	if err := cfg.Rotation.validate(); err != nil {
		return err
	}
	if err := cfg.Policy.validate(); err != nil {
		return err
	}
	cfg.Stores.applyDefaults()
	cfg.Replay.applyDefaults()
	cfg.Rotation.applyDefaults()
	cfg.Policy.applyDefaults()
	cfg.Debug.applyDefaults()

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
