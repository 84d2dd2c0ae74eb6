// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package progress reports batch-by-batch archive/restore progress to an
// interactive terminal, grounded on the teacher CLI's progressbar.v3 usage
// in cmd/cie/index.go (a bar rebuilt per phase, advanced via Set64). Wired
// through a Reporter interface so non-interactive runs (JSON log mode, or
// piped stdout) get a no-op.
package progress

import (
	"github.com/schollz/progressbar/v3"
)

// Reporter receives progress updates for one long-running phase (e.g. one
// table's batch loop). Start resets it to a new total; Advance moves it to
// current; Done finishes and clears the line.
type Reporter interface {
	Start(total int64, description string)
	Advance(current int64)
	Done()
}

// Noop discards all progress updates, used whenever stdout isn't a
// terminal or JSON log output was requested.
type Noop struct{}

func (Noop) Start(int64, string) {}
func (Noop) Advance(int64)       {}
func (Noop) Done()               {}

// Bar renders a single-line terminal progress bar via progressbar/v3.
type Bar struct {
	bar *progressbar.ProgressBar
}

func NewBar() *Bar { return &Bar{} }

func (b *Bar) Start(total int64, description string) {
	b.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *Bar) Advance(current int64) {
	if b.bar == nil {
		return
	}
	_ = b.bar.Set64(current)
}

func (b *Bar) Done() {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	b.bar = nil
}

// New picks Bar when interactive is true, Noop otherwise, matching the
// --log-format/tty precedence cmd/archiver applies to logging.ColorEnabled.
func New(interactive bool) Reporter {
	if !interactive {
		return Noop{}
	}
	return NewBar()
}
