// Package config loads tunnel settings from a YAML file, environment
// variables, or defaults via viper.
package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// CfgFile is set by the CLI when the user passes an explicit config path.
var CfgFile string

// KeySize is the length of one AEAD key in bytes.
const KeySize = 32

// Config holds everything needed to bring up a tunnel device.
type Config struct {
	// ListenPort is the local UDP port, 0 for a kernel-chosen port.
	ListenPort uint16
	// Fwmark tags outgoing packets for policy routing, 0 disables it.
	Fwmark uint32

	ReplayExpiry      time.Duration
	KeepaliveInterval time.Duration
	CipherWorkers     int

	LogLevel string

	Peer PeerConfig
}

// PeerConfig describes the single remote of a point-to-point tunnel.
type PeerConfig struct {
	ID       uint32
	Endpoint string
	KeyID    uint8
	// SendKey and ReceiveKey are the directional AEAD keys, decoded
	// from base64.
	SendKey    []byte
	ReceiveKey []byte
}

// InitConfig points viper at the config file and loads defaults. A
// missing file is fine; defaults and environment variables apply.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("tunl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TUNL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && CfgFile == "" {
			return nil
		}
		return oops.Wrapf(err, "read config")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("listen_port", 0)
	viper.SetDefault("fwmark", 0)
	viper.SetDefault("replay_expiry", "30s")
	viper.SetDefault("keepalive_interval", "10s")
	viper.SetDefault("cipher_workers", 4)
	viper.SetDefault("log_level", "info")

	viper.SetDefault("peer.id", 1)
	viper.SetDefault("peer.endpoint", "")
	viper.SetDefault("peer.key_id", 0)
}

// FromViper builds a Config from the current viper settings.
func FromViper() (*Config, error) {
	cfg := &Config{
		ListenPort:        uint16(viper.GetUint32("listen_port")),
		Fwmark:            viper.GetUint32("fwmark"),
		ReplayExpiry:      viper.GetDuration("replay_expiry"),
		KeepaliveInterval: viper.GetDuration("keepalive_interval"),
		CipherWorkers:     viper.GetInt("cipher_workers"),
		LogLevel:          viper.GetString("log_level"),
		Peer: PeerConfig{
			ID:       viper.GetUint32("peer.id"),
			Endpoint: viper.GetString("peer.endpoint"),
			KeyID:    uint8(viper.GetUint32("peer.key_id")),
		},
	}

	var err error
	if cfg.Peer.SendKey, err = decodeKey(viper.GetString("peer.send_key")); err != nil {
		return nil, oops.In("config").Wrapf(err, "peer.send_key")
	}
	if cfg.Peer.ReceiveKey, err = decodeKey(viper.GetString("peer.receive_key")); err != nil {
		return nil, oops.In("config").Wrapf(err, "peer.receive_key")
	}
	return cfg, nil
}

// decodeKey accepts an empty string (no key configured) or a base64
// encoding of exactly KeySize bytes.
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, oops.Wrapf(err, "decode base64 key")
	}
	if len(key) != KeySize {
		return nil, oops.With("length", len(key)).Errorf("key must be %d bytes", KeySize)
	}
	return key, nil
}

// HasKeys reports whether both directional keys are configured.
func (p *PeerConfig) HasKeys() bool {
	return len(p.SendKey) == KeySize && len(p.ReceiveKey) == KeySize
}
