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

package jalconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jalrecord"
)

const sampleTOML = `
host = "0.0.0.0"
port = 8765
db_root = "/var/lib/jald"
schemas_root = "/etc/jald/schemas"
pid_file = "/var/run/jald.pid"
log_dir = "/var/log/jald"
enable_tls = true
private_key = "/etc/jald/key.pem"
public_cert = "/etc/jald/cert.pem"
remote_cert_dir = "/etc/jald/remote-certs"
pending_digest_max = 64
pending_digest_timeout = "45s"
poll_time = "2s"
debug = true

[[peers]]
hosts = ["collector.example"]
publish_allow = ["audit", "log"]
subscribe_allow = []
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jald.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func TestLoadDecodesAllRecognisedOptions(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleTOML))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8765, cfg.Port)
	require.Equal(t, "/var/lib/jald", cfg.DBRoot)
	require.True(t, cfg.EnableTLS)
	require.Equal(t, 64, cfg.PendingDigestMax)
	require.Equal(t, 45*time.Second, cfg.PendingDigestTimeoutDuration())
	require.Equal(t, 2*time.Second, cfg.PollTimeDuration())
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, []jalrecord.Type{jalrecord.TypeAudit, jalrecord.TypeLog}, cfg.Peers[0].PublishAllowTypes())
}

func TestLoadAppliesDefaultsWhenOmitted(t *testing.T) {
	cfg, err := Load(writeTemp(t, "host = \"127.0.0.1\"\ndb_root = \"/tmp/jald\"\n"))
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.Port)
	require.Equal(t, time.Second, cfg.PollTimeDuration())
	require.Equal(t, 30*time.Second, cfg.PendingDigestTimeoutDuration())
}

func TestLoadRejectsMissingDBRoot(t *testing.T) {
	_, err := Load(writeTemp(t, "host = \"127.0.0.1\"\n"))
	require.Error(t, err)
}

func TestLoadRejectsTLSWithoutKeyMaterial(t *testing.T) {
	_, err := Load(writeTemp(t, "host = \"127.0.0.1\"\ndb_root = \"/tmp/jald\"\nenable_tls = true\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownPeerRecordType(t *testing.T) {
	_, err := Load(writeTemp(t, `
host = "127.0.0.1"
db_root = "/tmp/jald"

[[peers]]
hosts = ["x"]
publish_allow = ["not-a-type"]
`))
	require.Error(t, err)
}
