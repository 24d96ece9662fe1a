package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keystoreVersion = 1
	keystoreCipher  = "nacl/secretbox"
	keystoreKDF     = "scrypt"

	scryptN     = 1 << 18
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

type keystoreFile struct {
	Address string         `json:"address"`
	Crypto  keystoreCrypto `json:"crypto"`
	Version int            `json:"version"`
}

type keystoreCrypto struct {
	Cipher     string    `json:"cipher"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	KDF        string    `json:"kdf"`
	KDFParams  kdfParams `json:"kdfparams"`
}

type kdfParams struct {
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	DKLen int    `json:"dklen"`
	Salt  string `json:"salt"`
}

// SaveToKeystore writes the private key seed to a passphrase-encrypted
// keystore file at the given path. If the parent directory does not exist
// it will be created with 0700 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	sealKey, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	var boxKey [32]byte
	copy(boxKey[:], sealKey)
	ciphertext := secretbox.Seal(nil, key.Bytes(), &nonce, &boxKey)

	file := keystoreFile{
		Address: key.PubKey().Address(),
		Crypto: keystoreCrypto{
			Cipher:     keystoreCipher,
			Ciphertext: hex.EncodeToString(ciphertext),
			Nonce:      hex.EncodeToString(nonce[:]),
			KDF:        keystoreKDF,
			KDFParams: kdfParams{
				N:     scryptN,
				R:     scryptR,
				P:     scryptP,
				DKLen: scryptDKLen,
				Salt:  hex.EncodeToString(salt),
			},
		},
		Version: keystoreVersion,
	}
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("crypto: malformed keystore file: %w", err)
	}
	if file.Crypto.Cipher != keystoreCipher || file.Crypto.KDF != keystoreKDF {
		return nil, fmt.Errorf("crypto: unsupported keystore scheme %s/%s", file.Crypto.KDF, file.Crypto.Cipher)
	}

	salt, err := hex.DecodeString(file.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed keystore salt: %w", err)
	}
	params := file.Crypto.KDFParams
	sealKey, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return nil, err
	}

	nonceBytes, err := hex.DecodeString(file.Crypto.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return nil, errors.New("crypto: malformed keystore nonce")
	}
	ciphertext, err := hex.DecodeString(file.Crypto.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed keystore ciphertext: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	var boxKey [32]byte
	copy(boxKey[:], sealKey)
	seed, ok := secretbox.Open(nil, ciphertext, &nonce, &boxKey)
	if !ok {
		return nil, errors.New("crypto: could not decrypt key with given passphrase")
	}

	return PrivateKeyFromBytes(seed)
}
