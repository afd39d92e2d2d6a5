// Package vault implements the key-lifecycle subsystem (spec §4.1): at-rest
// protection, rotation, and backup/restore of the AES master key and the BFV
// key set. Every persisted file uses the bit-exact layouts of spec §6; every
// write goes through the atomic write-temp-fsync-rename sequence of §4.1's
// failure model.
package vault

import (
	"archive/tar"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
	"github.com/R3E-Network/secure-index/internal/zstdenv"
)

const (
	saltSize = 16
	ivSize   = 16
	kekSize  = 32

	// BackupsDirName is the fixed subdirectory name under a keys directory
	// that rotate_fhe_keys archives old keys into.
	BackupsDirName = "backups"

	backupTimeLayout = "20060102_150405"
)

// Vault manages the on-disk key directory named by cfg.KeysDir.
type Vault struct {
	cfg config.VaultConfig
}

// New constructs a Vault bound to the given configuration.
func New(cfg config.VaultConfig) *Vault {
	return &Vault{cfg: cfg}
}

// BackupsDir returns the keys directory's backups/ subdirectory path.
func (v *Vault) BackupsDir() string {
	return filepath.Join(v.cfg.KeysDir, BackupsDirName)
}

func deriveKEK(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, kekSize, sha256.New)
}

// sealBytes encrypts plaintext with AES-CBC/PKCS7 under a PBKDF2-derived KEK
// and returns salt ‖ IV ‖ ciphertext, the keyfile layout of spec §6.
func (v *Vault) sealBytes(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.WrapIOFail("generate salt", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.WrapIOFail("generate iv", err)
	}

	kek := deriveKEK(password, salt, v.cfg.PBKDF2Iterations)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errs.WrapInternal("vault: construct aes cipher", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, saltSize+ivSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// unsealBytes reverses sealBytes, failing with KEY_AUTH_FAIL uniformly on a
// wrong password or tampered ciphertext (spec §7's anti-oracle requirement).
func (v *Vault) unsealBytes(sealed []byte, password string) ([]byte, error) {
	if len(sealed) < saltSize+ivSize+aes.BlockSize {
		return nil, errs.NewKeyAuthFail("vault: sealed blob too short")
	}
	salt := sealed[:saltSize]
	iv := sealed[saltSize : saltSize+ivSize]
	ciphertext := sealed[saltSize+ivSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.NewKeyAuthFail("vault: malformed ciphertext length")
	}

	kek := deriveKEK(password, salt, v.cfg.PBKDF2Iterations)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errs.WrapInternal("vault: construct aes cipher", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, errs.NewKeyAuthFail("vault: wrong password or tampered keyfile")
	}
	return plaintext, nil
}

// SaveAESKey persists the AES master key sealed under password, at file.
func (v *Vault) SaveAESKey(key []byte, file, password string) error {
	sealed, err := v.sealBytes(key, password)
	if err != nil {
		return err
	}
	return writeFileAtomic(file, sealed, 0o600)
}

// LoadAESKey decrypts the AES master key previously saved by SaveAESKey.
func (v *Vault) LoadAESKey(file, password string) ([]byte, error) {
	sealed, err := readFile(file)
	if err != nil {
		return nil, err
	}
	return v.unsealBytes(sealed, password)
}

// SaveFHEKeys zstd-compresses the public and secret key blobs and writes
// them to pubFile/secFile. If password is non-empty the secret blob is
// sealed the same way an AES key is; otherwise it is written compressed but
// unsealed.
func (v *Vault) SaveFHEKeys(pub, sec []byte, pubFile, secFile, password string) error {
	compressedPub, err := zstdenv.Compress(pub)
	if err != nil {
		return errs.WrapInternal("vault: compress public key", err)
	}
	if err := writeFileAtomic(pubFile, compressedPub, 0o600); err != nil {
		return err
	}

	compressedSec, err := zstdenv.Compress(sec)
	if err != nil {
		return errs.WrapInternal("vault: compress secret key", err)
	}
	if password == "" {
		return writeFileAtomic(secFile, compressedSec, 0o600)
	}
	sealed, err := v.sealBytes(compressedSec, password)
	if err != nil {
		return err
	}
	return writeFileAtomic(secFile, sealed, 0o600)
}

// LoadFHEPublicKey reads and zstd-decompresses a public key file.
func (v *Vault) LoadFHEPublicKey(file string) ([]byte, error) {
	raw, err := readFile(file)
	if err != nil {
		return nil, err
	}
	pub, err := zstdenv.Decompress(raw)
	if err != nil {
		return nil, errs.WrapInternal("vault: decompress public key", err)
	}
	return pub, nil
}

// LoadFHESecretKey reads a secret key file, unsealing it first if password
// is non-empty, then zstd-decompresses it.
func (v *Vault) LoadFHESecretKey(file, password string) ([]byte, error) {
	raw, err := readFile(file)
	if err != nil {
		return nil, err
	}
	compressed := raw
	if password != "" {
		unsealed, err := v.unsealBytes(raw, password)
		if err != nil {
			return nil, err
		}
		compressed = unsealed
	}
	sec, err := zstdenv.Decompress(compressed)
	if err != nil {
		return nil, errs.WrapInternal("vault: decompress secret key", err)
	}
	return sec, nil
}

// SaveAuxiliaryKey zstd-compresses and writes key material that the spec
// never requires password-sealing for (relinearization and Galois keys):
// their disclosure only aids computing on ciphertexts the server already
// holds, not decrypting them.
func (v *Vault) SaveAuxiliaryKey(data []byte, file string) error {
	compressed, err := zstdenv.Compress(data)
	if err != nil {
		return errs.WrapInternal("vault: compress auxiliary key", err)
	}
	return writeFileAtomic(file, compressed, 0o600)
}

// LoadAuxiliaryKey reverses SaveAuxiliaryKey.
func (v *Vault) LoadAuxiliaryKey(file string) ([]byte, error) {
	raw, err := readFile(file)
	if err != nil {
		return nil, err
	}
	data, err := zstdenv.Decompress(raw)
	if err != nil {
		return nil, errs.WrapInternal("vault: decompress auxiliary key", err)
	}
	return data, nil
}

// RotateFHEKeys moves the existing public/secret key files into backups/
// with a UTC timestamp suffix, then saves the new keys. If
// saving the new keys fails, the backups remain in place and the new-key
// slot is left absent; the caller recovers via RestoreBackup or by retrying.
func (v *Vault) RotateFHEKeys(oldPubFile, oldSecFile string, newPub, newSec []byte, newPubFile, newSecFile, password string) error {
	stamp := time.Now().UTC().Format(backupTimeLayout)
	backupsDir := v.BackupsDir()

	if err := v.backupFile(oldPubFile, backupsDir, stamp); err != nil {
		return err
	}
	if err := v.backupFile(oldSecFile, backupsDir, stamp); err != nil {
		return err
	}

	return v.SaveFHEKeys(newPub, newSec, newPubFile, newSecFile, password)
}

func (v *Vault) backupFile(file, backupsDir, stamp string) error {
	data, err := readFile(file)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil // nothing to back up yet (first key generation)
		}
		return err
	}
	dest := filepath.Join(backupsDir, fmt.Sprintf("%s_%s", filepath.Base(file), stamp))
	if err := writeFileAtomic(dest, data, 0o600); err != nil {
		return err
	}
	if err := os.Remove(file); err != nil {
		return errs.WrapIOFail("remove backed-up key file "+file, err)
	}
	return nil
}

// GenerateBackup archives the entire keys directory into backup_dir as
// keys_backup_<timestamp>.tar.gz and returns its path. backup_dir defaults to
// a sibling directory of the keys directory, never a path under it — the
// archive must survive deletion of the keys directory it was taken from
// (spec §8 scenario S6).
func (v *Vault) GenerateBackup(backupDir string) (string, error) {
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(filepath.Clean(v.cfg.KeysDir)), filepath.Base(filepath.Clean(v.cfg.KeysDir))+"_backups")
	}
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", errs.WrapIOFail("mkdir backup dir", err)
	}

	stamp := time.Now().UTC().Format(backupTimeLayout)
	archivePath := filepath.Join(backupDir, fmt.Sprintf("keys_backup_%s.tar.gz", stamp))

	tmp, err := os.CreateTemp(backupDir, "keys_backup_*.tar.gz.tmp")
	if err != nil {
		return "", errs.WrapIOFail("create backup temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := v.writeTarGz(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errs.WrapIOFail("fsync backup archive", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.WrapIOFail("close backup archive", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return "", errs.WrapIOFail("rename backup archive into place", err)
	}
	return archivePath, nil
}

func (v *Vault) writeTarGz(w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(v.cfg.KeysDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(v.cfg.KeysDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errs.WrapIOFail("walk keys directory", err)
	}
	if err := tw.Close(); err != nil {
		return errs.WrapIOFail("close tar writer", err)
	}
	return gz.Close()
}

// RestoreBackup extracts archivePath into the keys directory, overwriting
// its contents. If password is non-empty the restored AES key file is
// verified to decrypt under it before committing; on verification failure
// the prior directory contents are rolled back and KEY_AUTH_FAIL returned.
func (v *Vault) RestoreBackup(archivePath, password, aesKeyFileName string) error {
	priorSnapshot, hadPrior, err := v.snapshotDir()
	if err != nil {
		return err
	}

	if err := os.RemoveAll(v.cfg.KeysDir); err != nil {
		return errs.WrapIOFail("clear keys directory before restore", err)
	}
	if err := os.MkdirAll(v.cfg.KeysDir, 0o750); err != nil {
		return errs.WrapIOFail("recreate keys directory", err)
	}

	if err := v.extractTarGz(archivePath); err != nil {
		v.rollback(priorSnapshot, hadPrior)
		return err
	}

	if password != "" && aesKeyFileName != "" {
		aesFile := filepath.Join(v.cfg.KeysDir, aesKeyFileName)
		if _, err := v.LoadAESKey(aesFile, password); err != nil {
			v.rollback(priorSnapshot, hadPrior)
			return errs.NewKeyAuthFail("vault: restored archive does not decrypt under the supplied password")
		}
	}
	return nil
}

type fileSnapshot struct {
	relPath string
	data    []byte
}

func (v *Vault) snapshotDir() ([]fileSnapshot, bool, error) {
	if _, err := os.Stat(v.cfg.KeysDir); os.IsNotExist(err) {
		return nil, false, nil
	}
	var out []fileSnapshot
	err := filepath.Walk(v.cfg.KeysDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(v.cfg.KeysDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, fileSnapshot{relPath: rel, data: data})
		return nil
	})
	if err != nil {
		return nil, false, errs.WrapIOFail("snapshot keys directory", err)
	}
	return out, true, nil
}

func (v *Vault) rollback(snapshot []fileSnapshot, hadPrior bool) {
	os.RemoveAll(v.cfg.KeysDir)
	if !hadPrior {
		return
	}
	for _, f := range snapshot {
		dest := filepath.Join(v.cfg.KeysDir, f.relPath)
		_ = writeFileAtomic(dest, f.data, 0o600)
	}
}

func (v *Vault) extractTarGz(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NewNotFound("backup archive", archivePath)
		}
		return errs.WrapIOFail("open backup archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errs.WrapIOFail("open gzip reader", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.WrapIOFail("read tar entry", err)
		}
		dest := filepath.Join(v.cfg.KeysDir, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return errs.WrapIOFail("mkdir extracted dir", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
				return errs.WrapIOFail("mkdir extracted file parent", err)
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return errs.WrapIOFail("read tar entry contents", err)
			}
			if err := writeFileAtomic(dest, data, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}
