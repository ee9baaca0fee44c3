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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jalconfig"
)

func TestNewLoggerWithoutLogDirWritesToStderrOnly(t *testing.T) {
	lg, err := NewLogger(&jalconfig.Config{})
	require.NoError(t, err)
	require.NotNil(t, lg)
	lg.Info("hello")
}

func TestNewLoggerWithLogDirRotatesToFile(t *testing.T) {
	dir := t.TempDir()
	lg, err := NewLogger(&jalconfig.Config{LogDir: dir, Debug: true})
	require.NoError(t, err)

	lg.Info("written to the rotated file", "k", "v")

	_, err = os.Stat(filepath.Join(dir, "jald.log"))
	require.NoError(t, err)
}
