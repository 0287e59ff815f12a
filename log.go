// Copyright 2025 The Sensitive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensitive

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var logger atomic.Pointer[logrus.Logger]

func init() {
	logger.Store(logrus.StandardLogger())
}

// SetLogger replaces the logger used for diagnostics, notably the
// report emitted when a container is finalized without having been
// destroyed.
func SetLogger(l *logrus.Logger) {
	logger.Store(l)
}

func leakf(format string, args ...interface{}) {
	logger.Load().Debugf(format, args...)
}
