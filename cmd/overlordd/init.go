package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"github.com/libp2p/go-libp2p/core/peer"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a new node key and default config in a home directory",
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return fmt.Errorf("create home directory %s: %w", homeDir, err)
	}

	nickname := petname.Generate(2, "-")

	kf, err := generateNodeKey(nickname)
	if err != nil {
		return err
	}
	if err := writeNodeKey(filepath.Join(homeDir, "node_key.json"), kf); err != nil {
		return err
	}

	cfg := defaultNodeConfig()
	if err := writeNodeConfig(filepath.Join(homeDir, "config.json"), cfg); err != nil {
		return err
	}

	signer, err := kf.signer()
	if err != nil {
		return err
	}
	addr := signer.PubKey().Address()

	priv, err := kf.libp2pIdentity()
	if err != nil {
		return err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}

	fmt.Printf("Initialized node %q\n", nickname)
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Address:  %s\n", hex.EncodeToString([]byte(addr)))
	fmt.Printf("  Peer ID:  %s\n", pid)
	fmt.Printf("\nAdd this node as a validatorEntry in every peer's config.json, then: overlordd start --home %s\n", homeDir)
	return nil
}
