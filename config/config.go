// Package config loads the node/credentials files and runtime settings
// spec.md §6 requires (the teacher has no config layer at all — addresses
// and pool sizes are passed as literal Go arguments to NewClient/Serve).
// It layers a YAML/env config file through viper, validates the decoded
// struct, and hot-reloads the credentials file via fsnotify so an operator
// can revoke a client name without restarting the server.
package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/auth"
)

// Settings is the top-level decoded configuration for a neomux node or
// client, bound from a config file plus environment overrides.
type Settings struct {
	// ListenAddr is where Serve binds, e.g. ":7711".
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	// AdvertiseAddr is the routable address other nodes dial, registered
	// in the discovery backend if one is configured.
	AdvertiseAddr string `mapstructure:"advertise_addr"`
	// ProtocolVersion is the single version byte exchanged in the
	// handshake.
	ProtocolVersion uint8 `mapstructure:"protocol_version" validate:"required"`

	// NodesFile lists the client-side peers to dial, one "host:port" per
	// line (auth.ParseNodesFile).
	NodesFile string `mapstructure:"nodes_file"`
	// CredentialsFile lists server-side "name key-hex" pairs
	// (auth.ParseCredentialsFile), hot-reloaded via fsnotify.
	CredentialsFile string `mapstructure:"credentials_file" validate:"required"`

	// ClientName/ClientKeyHex are this process's own identity when acting
	// as a client dialing out.
	ClientName   string `mapstructure:"client_name"`
	ClientKeyHex string `mapstructure:"client_key_hex"`

	// AdminSocketPath, if set, runs the unix-socket admin command
	// listener.
	AdminSocketPath string `mapstructure:"admin_socket_path"`

	// EtcdEndpoints and PoolName, if both set, enable registry-backed
	// dynamic node discovery (C10).
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
	PoolName      string   `mapstructure:"pool_name"`

	// AutoConnect toggles the client ConnSet's automatic reconnect loop.
	AutoConnect bool `mapstructure:"auto_connect"`

	// MetricsAddr, if set, serves the Prometheus /metrics endpoint there.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

var validate = validator.New()

// Load reads path (any format viper supports: yaml, json, toml) plus
// NEOMUX_-prefixed environment overrides, and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("neomux")
	v.AutomaticEnv()

	v.SetDefault("protocol_version", 1)
	v.SetDefault("admin_socket_path", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "config: decoding settings")
	}
	if err := validate.Struct(&s); err != nil {
		return nil, errors.Wrap(err, "config: invalid settings")
	}
	return &s, nil
}

// LoadCredentials reads path via auth.ParseCredentialsFile.
func LoadCredentials(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening credentials file %s", path)
	}
	defer f.Close()
	return auth.ParseCredentialsFile(f)
}

// LoadNodes reads path via auth.ParseNodesFile.
func LoadNodes(path string) ([]auth.NodeAddr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening nodes file %s", path)
	}
	defer f.Close()
	return auth.ParseNodesFile(f)
}

// WatchCredentials starts an fsnotify watch on path's directory and calls
// store.Replace with the freshly reparsed credential map every time the
// file changes, so a revoked client name stops authenticating without a
// server restart. The returned *fsnotify.Watcher must be closed by the
// caller when done.
func WatchCredentials(path string, store *auth.MapStore, log *zap.SugaredLogger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: creating fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "config: watching %s", path)
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				keys, err := LoadCredentials(path)
				if err != nil {
					if log != nil {
						log.Warnw("config: credentials reload failed", "error", err)
					}
					continue
				}
				store.Replace(keys)
				if log != nil {
					log.Infow("config: credentials reloaded", "count", len(keys))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warnw("config: fsnotify error", "error", err)
				}
			}
		}
	}()

	return w, nil
}
