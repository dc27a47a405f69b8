package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect this node's key material",
		RunE:  runKeys,
	}
	cmd.Flags().String("home", defaultHome(), "node home directory")
	return cmd
}

func runKeys(cmd *cobra.Command, _ []string) error {
	homeDir, _ := cmd.Flags().GetString("home")

	kf, err := loadNodeKey(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return err
	}

	signer, err := kf.signer()
	if err != nil {
		return err
	}
	priv, err := kf.libp2pIdentity()
	if err != nil {
		return err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}

	fmt.Printf("Nickname: %s\n", kf.Nickname)
	fmt.Printf("Address:  %s\n", hex.EncodeToString([]byte(signer.PubKey().Address())))
	fmt.Printf("Peer ID:  %s\n", pid)
	return nil
}
