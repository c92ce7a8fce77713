// Command tunl runs a point-to-point encrypted tunnel over UDP.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tunl-dev/tunl/config"
	"github.com/tunl-dev/tunl/conn"
	"github.com/tunl-dev/tunl/device"
	"github.com/tunl-dev/tunl/tun"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:          "tunl",
	Short:        "tunl is a point-to-point encrypted tunnel",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "generate a random key and print it base64-encoded",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, config.KeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config.CfgFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(genkeyCmd)
}

func run() error {
	if err := config.InitConfig(); err != nil {
		return err
	}
	cfg, err := config.FromViper()
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	bind := conn.NewNetBind()
	tdev := tun.NewChannelDevice("tunl0", device.MaxContentSize)

	sync := device.AEADCipher{}
	dev := device.NewDevice(tdev, bind, log,
		device.WithCipher(device.NewQueuedCipher(sync, cfg.CipherWorkers)),
		device.WithReplayExpiry(cfg.ReplayExpiry),
		device.WithKeepaliveInterval(cfg.KeepaliveInterval),
	)

	if _, err := dev.Open(cfg.ListenPort); err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	if cfg.Fwmark != 0 {
		if err := bind.SetMark(cfg.Fwmark); err != nil {
			return fmt.Errorf("set fwmark: %w", err)
		}
	}

	if cfg.Peer.Endpoint != "" {
		ep, err := bind.ParseEndpoint(cfg.Peer.Endpoint)
		if err != nil {
			return fmt.Errorf("parse peer endpoint: %w", err)
		}
		peer := dev.SetPeer(cfg.Peer.ID, ep)
		if cfg.Peer.HasKeys() {
			err = peer.InstallKey(device.KeySlotPrimary, cfg.Peer.KeyID,
				cfg.Peer.SendKey, cfg.Peer.ReceiveKey)
			if err != nil {
				return fmt.Errorf("install key: %w", err)
			}
		}
		log.WithFields(logrus.Fields{
			"peer":     cfg.Peer.ID,
			"endpoint": cfg.Peer.Endpoint,
			"keys":     cfg.Peer.HasKeys(),
		}).Info("peer configured")
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term
	log.Info("shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
