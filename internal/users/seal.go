package users

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrBadPassphrase is returned when an archive cannot be opened.
var ErrBadPassphrase = errors.New("archive could not be opened with this passphrase")

const archiveVersion = 1

type archive struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Box     []byte `json:"box"`
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	k, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], k)
	return &key, nil
}

func seal(records []exportRecord, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	plain, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode users: %w", err)
	}

	a := archive{Version: archiveVersion, Salt: make([]byte, 16)}
	if _, err := rand.Read(a.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	key, err := deriveKey(passphrase, a.Salt)
	if err != nil {
		return nil, err
	}
	a.Nonce = nonce[:]
	a.Box = secretbox.Seal(nil, plain, &nonce, key)
	return json.MarshalIndent(a, "", "  ")
}

func open(data []byte, passphrase string) ([]exportRecord, error) {
	var a archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if a.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", a.Version)
	}
	if len(a.Nonce) != 24 {
		return nil, fmt.Errorf("malformed archive nonce")
	}
	key, err := deriveKey(passphrase, a.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], a.Nonce)
	plain, ok := secretbox.Open(nil, a.Box, &nonce, key)
	if !ok {
		return nil, ErrBadPassphrase
	}
	var records []exportRecord
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return records, nil
}
