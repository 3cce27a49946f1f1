// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging capability this package depends on, satisfied by
// *logrus.Logger and *logrus.Entry.
//
// The original C++ source initialized a process-wide log level lazily from
// an environment variable, guarded by a pthread mutex, the first time any
// log call fired. That made logging configuration a hidden, global,
// first-caller-wins decision. Here the logger is supplied explicitly by
// whoever constructs a Facade or Segment, and never read from a package
// variable: construct it once at process startup (or in a test's setup)
// and pass it down. There is no lazy global to race on.
type Logger = logrus.FieldLogger

// discardLogger is used when a caller does not supply a Logger, so the
// rest of the package never needs a nil check.
var discardLogger = func() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func defaultLogger(l Logger) Logger {
	if l == nil {
		return discardLogger
	}
	return l
}
