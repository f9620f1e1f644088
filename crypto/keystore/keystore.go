// Package keystore persists the validator hotkey as an encrypted, versioned
// JSON file: scrypt key derivation, AES-128-CTR encryption and a sha256 MAC,
// the same envelope shape used by ethereum keystores so operators can inspect
// files with familiar tooling.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/forgenet/forge/crypto/hash"
	"github.com/forgenet/forge/crypto/keys"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/scrypt"
)

const (
	// Version of the keystore envelope format.
	Version = 1

	scryptN     = 1 << 18
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

// ErrDecrypt is returned when the supplied passphrase does not open the file.
var ErrDecrypt = errors.New("could not decrypt key with given passphrase")

type encryptedKeyJSON struct {
	Address string     `json:"address"`
	Crypto  cryptoJSON `json:"crypto"`
	ID      string     `json:"id"`
	Version int        `json:"version"`
}

type cryptoJSON struct {
	Cipher       string            `json:"cipher"`
	CipherText   string            `json:"ciphertext"`
	CipherParams cipherParamsJSON  `json:"cipherparams"`
	KDF          string            `json:"kdf"`
	KDFParams    map[string]uint64 `json:"kdfparams"`
	MAC          string            `json:"mac"`
	Salt         string            `json:"salt"`
}

type cipherParamsJSON struct {
	IV string `json:"iv"`
}

// StoreKey encrypts the keypair's seed under the passphrase and writes it to
// path atomically.
func StoreKey(path string, kp *keys.Keypair, passphrase string) error {
	enc, err := EncryptKey(kp, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "could not create keystore directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, enc, 0600); err != nil {
		return errors.Wrap(err, "could not write keystore file")
	}
	return os.Rename(tmp, path)
}

// LoadKey reads and decrypts a keystore file.
func LoadKey(path, passphrase string) (*keys.Keypair, error) {
	raw, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "could not read keystore file")
	}
	return DecryptKey(raw, passphrase)
}

// EncryptKey serializes the keypair seed into the encrypted JSON envelope.
func EncryptKey(kp *keys.Keypair, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "could not read random salt")
	}
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt derivation failed")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "could not read random iv")
	}
	block, err := aes.NewCipher(derived[:16])
	if err != nil {
		return nil, err
	}
	seed := kp.Seed()
	cipherText := make([]byte, len(seed))
	cipher.NewCTR(block, iv).XORKeyStream(cipherText, seed)
	mac := hash.Hash(append(derived[16:32], cipherText...))

	env := encryptedKeyJSON{
		Address: kp.Address(),
		Crypto: cryptoJSON{
			Cipher:       "aes-128-ctr",
			CipherText:   hex.EncodeToString(cipherText),
			CipherParams: cipherParamsJSON{IV: hex.EncodeToString(iv)},
			KDF:          "scrypt",
			KDFParams: map[string]uint64{
				"n":     scryptN,
				"r":     scryptR,
				"p":     scryptP,
				"dklen": scryptDKLen,
			},
			MAC:  hex.EncodeToString(mac[:]),
			Salt: hex.EncodeToString(salt),
		},
		ID:      uuid.NewRandom().String(),
		Version: Version,
	}
	return json.MarshalIndent(env, "", "  ")
}

// DecryptKey opens an encrypted JSON envelope with the passphrase.
func DecryptKey(raw []byte, passphrase string) (*keys.Keypair, error) {
	var env encryptedKeyJSON
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "could not parse keystore file")
	}
	if env.Version != Version {
		return nil, errors.Errorf("unsupported keystore version %d", env.Version)
	}
	if env.Crypto.Cipher != "aes-128-ctr" || env.Crypto.KDF != "scrypt" {
		return nil, errors.Errorf("unsupported cipher suite %s/%s", env.Crypto.Cipher, env.Crypto.KDF)
	}
	salt, err := hex.DecodeString(env.Crypto.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "bad salt encoding")
	}
	p := env.Crypto.KDFParams
	derived, err := scrypt.Key([]byte(passphrase), salt, int(p["n"]), int(p["r"]), int(p["p"]), int(p["dklen"]))
	if err != nil {
		return nil, errors.Wrap(err, "scrypt derivation failed")
	}
	cipherText, err := hex.DecodeString(env.Crypto.CipherText)
	if err != nil {
		return nil, errors.Wrap(err, "bad ciphertext encoding")
	}
	mac := hash.Hash(append(derived[16:32], cipherText...))
	wantMAC, err := hex.DecodeString(env.Crypto.MAC)
	if err != nil {
		return nil, errors.Wrap(err, "bad mac encoding")
	}
	if !bytes.Equal(mac[:], wantMAC) {
		return nil, ErrDecrypt
	}
	iv, err := hex.DecodeString(env.Crypto.CipherParams.IV)
	if err != nil {
		return nil, errors.Wrap(err, "bad iv encoding")
	}
	block, err := aes.NewCipher(derived[:16])
	if err != nil {
		return nil, err
	}
	seed := make([]byte, len(cipherText))
	cipher.NewCTR(block, iv).XORKeyStream(seed, cipherText)
	return keys.FromSeed(seed)
}

// GenerateMnemonic returns a fresh 24-word bip39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", errors.Wrap(err, "could not generate entropy")
	}
	return bip39.NewMnemonic(entropy)
}

// KeypairFromMnemonic deterministically derives a hotkey from a bip39
// mnemonic plus optional passphrase.
func KeypairFromMnemonic(mnemonic, passphrase string) (*keys.Keypair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid bip39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return keys.FromSeed(seed[:32])
}
