// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package jaldaemon

import (
	"os"
	"path/filepath"

	log "github.com/erigontech/erigon-lib/log/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jalop-project/jald/internal/jalconfig"
)

// NewLogger builds the logger New expects, wired per cfg: always a
// terminal-formatted stream to stderr, plus a size- and age-rotated file
// under cfg.LogDir when one is configured, the "log_dir" option spec.md
// section 6 names. Debug toggles the level the way cfg.Debug does for
// every other daemon component.
func NewLogger(cfg *jalconfig.Config) (log.Logger, error) {
	lvl := log.LvlInfo
	if cfg.Debug {
		lvl = log.LvlDebug
	}

	handlers := []log.Handler{log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat()))}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, err
		}
		rotate := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "jald.log"),
			MaxSize:    100,
			MaxAge:     28,
			MaxBackups: 5,
			Compress:   true,
		}
		handlers = append(handlers, log.LvlFilterHandler(lvl, log.StreamHandler(rotate, log.LogfmtFormat())))
	}

	lg := log.New()
	lg.SetHandler(log.MultiHandler(handlers...))
	return lg, nil
}
