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

// Package jalconfig decodes the on-disk daemon configuration spec.md
// section 6 enumerates.
package jalconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/jalop-project/jald/internal/jalrecord"
)

// PeerConfig is one entry of the "peers" list spec.md section 6 names:
// "{hosts: [names], publish_allow: [types], subscribe_allow: [types]}".
type PeerConfig struct {
	Hosts          []string `toml:"hosts"`
	PublishAllow   []string `toml:"publish_allow"`
	SubscribeAllow []string `toml:"subscribe_allow"`
}

// Config is every option spec.md section 6 recognises.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	DBRoot      string `toml:"db_root"`
	SchemasRoot string `toml:"schemas_root"`

	PrivateKey    string `toml:"private_key"`
	PublicCert    string `toml:"public_cert"`
	RemoteCertDir string `toml:"remote_cert_dir"`

	PendingDigestMax     int      `toml:"pending_digest_max"`
	PendingDigestTimeout duration `toml:"pending_digest_timeout"`
	PollTime             duration `toml:"poll_time"`

	PIDFile string `toml:"pid_file"`
	LogDir  string `toml:"log_dir"`

	Peers []PeerConfig `toml:"peers"`

	EnableTLS bool `toml:"enable_tls"`
	Daemonise bool `toml:"daemonise"`
	Debug     bool `toml:"debug"`
}

// duration decodes a TOML string like "30s" into a time.Duration, the
// same ergonomic the pack's other TOML-configured tools (erigon's own
// config files) use rather than forcing operators to spell out
// nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("jalconfig: parse duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Duration() time.Duration { return time.Duration(d) }

// PendingDigestTimeoutDuration and PollTimeDuration expose the decoded
// durations without leaking the UnmarshalText wrapper type to callers.
func (c *Config) PendingDigestTimeoutDuration() time.Duration {
	return c.PendingDigestTimeout.Duration()
}
func (c *Config) PollTimeDuration() time.Duration { return c.PollTime.Duration() }

// defaults applied when a TOML file omits a field, per spec.md section 6's
// "default seconds" note on the poll interval.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 1234
	}
	if c.PendingDigestMax == 0 {
		c.PendingDigestMax = 128
	}
	if c.PollTime == 0 {
		c.PollTime = duration(time.Second)
	}
	if c.PendingDigestTimeout == 0 {
		c.PendingDigestTimeout = duration(30 * time.Second)
	}
}

// Load reads and decodes a TOML config file from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jalconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("jalconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every daemon bring-up path depends on being
// present, failing fast with exit code 1 (spec.md section 6: "config load
// failure") rather than surfacing a confusing failure deep in store
// initialization.
func (c *Config) Validate() error {
	if c.DBRoot == "" {
		return fmt.Errorf("jalconfig: db_root is required")
	}
	if c.Host == "" {
		return fmt.Errorf("jalconfig: host is required")
	}
	if c.EnableTLS {
		if c.PrivateKey == "" || c.PublicCert == "" {
			return fmt.Errorf("jalconfig: private_key and public_cert are required when enable_tls is set")
		}
	}
	for i, p := range c.Peers {
		if len(p.Hosts) == 0 {
			return fmt.Errorf("jalconfig: peers[%d] has no hosts", i)
		}
		if _, err := parseTypes(p.PublishAllow); err != nil {
			return fmt.Errorf("jalconfig: peers[%d] publish_allow: %w", i, err)
		}
		if _, err := parseTypes(p.SubscribeAllow); err != nil {
			return fmt.Errorf("jalconfig: peers[%d] subscribe_allow: %w", i, err)
		}
	}
	return nil
}

// PublishAllowTypes and SubscribeAllowTypes decode a PeerConfig's string
// lists into jalrecord.Type, the shape jalpolicy.AllowFromTypes consumes.
func (p PeerConfig) PublishAllowTypes() []jalrecord.Type {
	types, _ := parseTypes(p.PublishAllow)
	return types
}

func (p PeerConfig) SubscribeAllowTypes() []jalrecord.Type {
	types, _ := parseTypes(p.SubscribeAllow)
	return types
}

func parseTypes(names []string) ([]jalrecord.Type, error) {
	out := make([]jalrecord.Type, 0, len(names))
	for _, name := range names {
		switch name {
		case jalrecord.TypeJournal.String():
			out = append(out, jalrecord.TypeJournal)
		case jalrecord.TypeAudit.String():
			out = append(out, jalrecord.TypeAudit)
		case jalrecord.TypeLog.String():
			out = append(out, jalrecord.TypeLog)
		default:
			return nil, fmt.Errorf("unknown record type %q", name)
		}
	}
	return out, nil
}
