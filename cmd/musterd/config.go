package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/projection"
	bunmirror "github.com/musterhq/muster/projection/bun"
	redismirror "github.com/musterhq/muster/projection/redis"
	"github.com/musterhq/muster/queue"
)

// duration lets TOML carry values like "45s" or "2m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// fileConfig is the on-disk TOML shape of a node's configuration. Every
// field is optional; zero values fall back to the built-in defaults.
type fileConfig struct {
	NodeID   string `toml:"node_id"`
	DataDir  string `toml:"data_dir"`
	RaftAddr string `toml:"raft_addr"`
	WireAddr string `toml:"wire_addr"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Peers []peerConfig `toml:"peers"`

	Cluster clusterConfig         `toml:"cluster"`
	Mirror  mirrorConfig          `toml:"mirror"`
	Tiers   map[string]tierConfig `toml:"tiers"`
}

type peerConfig struct {
	ID       string `toml:"id"`
	RaftURL  string `toml:"raft_url"`
	WireAddr string `toml:"wire_addr"`
}

type clusterConfig struct {
	ClaimLease         duration `toml:"claim_lease"`
	SessionLease       duration `toml:"session_lease"`
	SweepInterval      duration `toml:"sweep_interval"`
	ElectionTimeoutMin duration `toml:"election_timeout_min"`
	ElectionTimeoutMax duration `toml:"election_timeout_max"`
	HeartbeatInterval  duration `toml:"heartbeat_interval"`
	ApplyTimeout       duration `toml:"apply_timeout"`
	SnapshotThreshold  int      `toml:"snapshot_threshold"`
	SnapshotInterval   duration `toml:"snapshot_interval"`
	MaxAttempts        int      `toml:"max_attempts"`
	RetryBackoffBase   duration `toml:"retry_backoff_base"`
	RetryBackoffMax    duration `toml:"retry_backoff_max"`
}

type mirrorConfig struct {
	// Backend is one of "none", "postgres", "redis".
	Backend string `toml:"backend"`
	DSN     string `toml:"dsn"`
}

type tierConfig struct {
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// loadConfig reads a TOML file; a missing path yields all defaults.
func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fc, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	return fc, nil
}

// clusterSettings merges the file's cluster section over the defaults.
func (fc fileConfig) clusterSettings() muster.Config {
	cfg := muster.DefaultConfig()
	cc := fc.Cluster

	setDur := func(dst *time.Duration, src duration) {
		if src.Duration > 0 {
			*dst = src.Duration
		}
	}
	setDur(&cfg.ClaimLease, cc.ClaimLease)
	setDur(&cfg.SessionLease, cc.SessionLease)
	setDur(&cfg.SweepInterval, cc.SweepInterval)
	setDur(&cfg.ElectionTimeoutMin, cc.ElectionTimeoutMin)
	setDur(&cfg.ElectionTimeoutMax, cc.ElectionTimeoutMax)
	setDur(&cfg.HeartbeatInterval, cc.HeartbeatInterval)
	setDur(&cfg.ApplyTimeout, cc.ApplyTimeout)
	setDur(&cfg.SnapshotInterval, cc.SnapshotInterval)
	setDur(&cfg.RetryBackoffBase, cc.RetryBackoffBase)
	setDur(&cfg.RetryBackoffMax, cc.RetryBackoffMax)
	if cc.SnapshotThreshold > 0 {
		cfg.SnapshotThreshold = cc.SnapshotThreshold
	}
	if cc.MaxAttempts > 0 {
		cfg.MaxAttempts = cc.MaxAttempts
	}
	return cfg
}

// peerMaps splits the peer list into consensus URLs and worker-facing
// advertise addresses, both keyed by peer ID.
func (fc fileConfig) peerMaps() (raftPeers, advertise map[string]string) {
	if len(fc.Peers) == 0 {
		return nil, nil
	}
	raftPeers = make(map[string]string, len(fc.Peers))
	advertise = make(map[string]string, len(fc.Peers))
	for _, p := range fc.Peers {
		raftPeers[p.ID] = p.RaftURL
		if p.WireAddr != "" {
			advertise[p.ID] = p.WireAddr
		}
	}
	return raftPeers, advertise
}

// tierLimiter builds the claim rate limiter, or nil when no tiers are
// configured.
func (fc fileConfig) tierLimiter() (*queue.TierLimiter, error) {
	if len(fc.Tiers) == 0 {
		return nil, nil
	}
	configs := make(map[int]queue.LimitConfig, len(fc.Tiers))
	var fallback queue.LimitConfig
	for name, tc := range fc.Tiers {
		lc := queue.LimitConfig{RatePerSecond: tc.RatePerSecond, Burst: tc.Burst}
		if name == "default" {
			fallback = lc
			continue
		}
		var tier int
		if _, err := fmt.Sscanf(name, "%d", &tier); err != nil {
			return nil, fmt.Errorf("tier key %q: want a number or \"default\"", name)
		}
		configs[tier] = lc
	}
	return queue.NewTierLimiter(configs, fallback), nil
}

// buildMirror opens the configured projection backend. The returned
// cleanup closes the underlying connection and is non-nil even for the
// "none" backend.
func (fc fileConfig) buildMirror(logger *slog.Logger) (projection.Mirror, func() error, error) {
	switch fc.Mirror.Backend {
	case "", "none":
		return nil, func() error { return nil }, nil

	case "postgres":
		if fc.Mirror.DSN == "" {
			return nil, nil, fmt.Errorf("mirror backend postgres needs a dsn")
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(fc.Mirror.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return bunmirror.New(db, bunmirror.WithLogger(logger)), db.Close, nil

	case "redis":
		opts, err := goredis.ParseURL(fc.Mirror.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("mirror redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		return redismirror.New(client, redismirror.WithLogger(logger)), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown mirror backend %q", fc.Mirror.Backend)
	}
}

// buildLogger translates the log_level / log_format settings.
func (fc fileConfig) buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch fc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if fc.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
