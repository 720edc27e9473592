/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"

	"github.com/coreos/go-systemd/journal"
	log "github.com/sirupsen/logrus"
)

// journalHook forwards logrus entries to the systemd journal, used instead
// of (or alongside) logrus's default stderr writer when running as a
// systemd unit so log levels map onto journal priorities.
type journalHook struct{}

var journalPriority = map[log.Level]journal.Priority{
	log.PanicLevel: journal.PriEmerg,
	log.FatalLevel: journal.PriCrit,
	log.ErrorLevel: journal.PriErr,
	log.WarnLevel:  journal.PriWarning,
	log.InfoLevel:  journal.PriInfo,
	log.DebugLevel: journal.PriDebug,
	log.TraceLevel: journal.PriDebug,
}

func (journalHook) Levels() []log.Level { return log.AllLevels }

func (journalHook) Fire(e *log.Entry) error {
	vars := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		vars[k] = fmt.Sprintf("%v", v)
	}
	return journal.Send(e.Message, journalPriority[e.Level], vars)
}

// ConfigureLogging sets the logrus level from logLevel and, when running
// under a systemd unit (journal.Enabled), adds the journal hook so entries
// land with the right priority instead of being flattened to stderr text.
func ConfigureLogging(logLevel string) {
	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if journal.Enabled() {
		log.AddHook(journalHook{})
	}
}
