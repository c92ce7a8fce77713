package config

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset() {
	viper.Reset()
	setDefaults()
}

func TestFromViperDefaults(t *testing.T) {
	reset()

	cfg, err := FromViper()
	require.NoError(t, err)

	assert.Zero(t, cfg.ListenPort)
	assert.Zero(t, cfg.Fwmark)
	assert.Equal(t, 30*time.Second, cfg.ReplayExpiry)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 4, cfg.CipherWorkers)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint32(1), cfg.Peer.ID)
	assert.Empty(t, cfg.Peer.Endpoint)
	assert.False(t, cfg.Peer.HasKeys())
}

func TestFromViperOverrides(t *testing.T) {
	reset()
	viper.Set("listen_port", 51820)
	viper.Set("fwmark", 51)
	viper.Set("replay_expiry", "1m")
	viper.Set("keepalive_interval", "0s")
	viper.Set("log_level", "debug")
	viper.Set("peer.id", 42)
	viper.Set("peer.endpoint", "192.0.2.1:51820")
	viper.Set("peer.key_id", 3)

	cfg, err := FromViper()
	require.NoError(t, err)
	assert.Equal(t, uint16(51820), cfg.ListenPort)
	assert.Equal(t, uint32(51), cfg.Fwmark)
	assert.Equal(t, time.Minute, cfg.ReplayExpiry)
	assert.Zero(t, cfg.KeepaliveInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint32(42), cfg.Peer.ID)
	assert.Equal(t, "192.0.2.1:51820", cfg.Peer.Endpoint)
	assert.Equal(t, uint8(3), cfg.Peer.KeyID)
}

func TestFromViperKeys(t *testing.T) {
	reset()
	sendKey := bytes.Repeat([]byte{0x01}, KeySize)
	receiveKey := bytes.Repeat([]byte{0x02}, KeySize)
	viper.Set("peer.send_key", base64.StdEncoding.EncodeToString(sendKey))
	viper.Set("peer.receive_key", base64.StdEncoding.EncodeToString(receiveKey))

	cfg, err := FromViper()
	require.NoError(t, err)
	assert.Equal(t, sendKey, cfg.Peer.SendKey)
	assert.Equal(t, receiveKey, cfg.Peer.ReceiveKey)
	assert.True(t, cfg.Peer.HasKeys())
}

func TestFromViperBadKeys(t *testing.T) {
	reset()
	viper.Set("peer.send_key", "not base64 !!!")
	_, err := FromViper()
	assert.Error(t, err)

	reset()
	short := bytes.Repeat([]byte{0x01}, 16)
	viper.Set("peer.send_key", base64.StdEncoding.EncodeToString(short))
	_, err = FromViper()
	assert.Error(t, err)
}

func TestDecodeKeyEmpty(t *testing.T) {
	key, err := decodeKey("")
	require.NoError(t, err)
	assert.Nil(t, key)
}
