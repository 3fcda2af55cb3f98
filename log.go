// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"io"
	"os"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/agilira/lethe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// clock is a millisecond-resolution cached time source: the scheduler
// loop logs on every tick in the worst case, so paying for a syscall per
// log line via time.Now() is wasteful (the same optimization lethe
// itself applies to its own rotation checks).
var clock = timecache.NewWithResolution(time.Millisecond)

// LogConfig configures the package-wide structured logger (SPEC_FULL.md
// §7.2). When File is empty, log output goes to stderr; otherwise it is
// routed through a rotating file sink.
type LogConfig struct {
	// File is the rotating log file path. Empty means stderr only.
	File string
	// MaxSizeMB is the rotation threshold; ignored when File is empty.
	MaxSizeMB int64
	// MaxBackups bounds how many rotated files are retained.
	MaxBackups int
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	Level string
}

// InitLogging configures the global zerolog logger used throughout this
// package (Server, ConnectionManager, Client all log via
// github.com/rs/zerolog/log). Call once at process startup.
func InitLogging(cfg LogConfig) error {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lethe.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.TimestampFunc = clock.CachedTime
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
	return nil
}
