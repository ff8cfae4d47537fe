/*
 * Copyright (C) 2019 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package logging provides the process-wide structured logger used in place
// of the teacher's bare log.Println/log.Fatalf calls.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger. Components reach it through a
// package-level entry obtained from WithComponent; none of them take a
// logger as a constructor argument.
var Log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// WithComponent returns an entry tagged with the originating component, the
// structured analogue of the teacher's "[tag] message" prefixes.
func WithComponent(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
