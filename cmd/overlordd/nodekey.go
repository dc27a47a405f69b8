package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/cryptape/overlord/crypto"
)

// nodeKeyFile is the on-disk key material for one replica: the BLS
// signing seed this replica votes with, and the Ed25519 key its libp2p
// host identity is derived from. The two are unrelated keyspaces (see
// netsvc.PeerResolver's doc comment) and are generated independently.
type nodeKeyFile struct {
	BLSSeedHex   string `json:"bls_seed_hex"`
	LibP2PKeyHex string `json:"libp2p_key_hex"`
	Nickname     string `json:"nickname"`
}

func generateNodeKey(nickname string) (nodeKeyFile, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nodeKeyFile{}, fmt.Errorf("generate BLS seed: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nodeKeyFile{}, fmt.Errorf("generate libp2p identity: %w", err)
	}
	keyBytes, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nodeKeyFile{}, fmt.Errorf("marshal libp2p identity: %w", err)
	}

	return nodeKeyFile{
		BLSSeedHex:   hex.EncodeToString(seed),
		LibP2PKeyHex: hex.EncodeToString(keyBytes),
		Nickname:     nickname,
	}, nil
}

func loadNodeKey(path string) (nodeKeyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nodeKeyFile{}, fmt.Errorf("read node key %s: %w", path, err)
	}
	var kf nodeKeyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nodeKeyFile{}, fmt.Errorf("parse node key %s: %w", path, err)
	}
	return kf, nil
}

func writeNodeKey(path string, kf nodeKeyFile) error {
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node key: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write node key %s: %w", path, err)
	}
	return nil
}

// signer derives this node's crypto.Signer from its BLS seed.
func (kf nodeKeyFile) signer() (crypto.Signer, error) {
	seed, err := hex.DecodeString(kf.BLSSeedHex)
	if err != nil {
		return crypto.Signer{}, fmt.Errorf("decode BLS seed: %w", err)
	}
	return crypto.NewSigner(seed)
}

// libp2pIdentity unmarshals this node's libp2p private key.
func (kf nodeKeyFile) libp2pIdentity() (libp2pcrypto.PrivKey, error) {
	b, err := hex.DecodeString(kf.LibP2PKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode libp2p identity: %w", err)
	}
	return libp2pcrypto.UnmarshalPrivateKey(b)
}
