// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blog is the runtime's leveled logger: every component logs
// through a single package-level logger instead of the stdlib "log"
// package, so verbosity and formatting stay consistent across the whole
// process.
package blog

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	})
	log.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the process-wide verbosity, mirroring api.set_logmask /
// api.get_logmask from the API descriptor contract.
func SetLevel(level logrus.Level) { log.SetLevel(level) }

// Level returns the current process-wide verbosity.
func Level() logrus.Level { return log.GetLevel() }

func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }

// V reports whether verbosity level n (Debug=1, Trace=2) is enabled, for
// cheaply-skippable debug logs.
func V(n int) bool {
	if n >= 2 {
		return log.GetLevel() >= logrus.TraceLevel
	}
	return log.GetLevel() >= logrus.DebugLevel
}

func Debugf(format string, args ...interface{}) {
	if V(1) {
		log.Debugf(format, args...)
	}
}
