package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"log"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// Initialize sets up a configuration directory: the default config.yaml, a
// recordings directory, an empty authorized_keys, and a fresh ed25519 host
// key. Files that already exist are left alone, so re-running is safe.
func Initialize(fsys afero.Fs, path string, logger *log.Logger) error {
	if err := fsys.MkdirAll(path, 0700); err != nil {
		return err
	}
	base := afero.NewBasePathFs(fsys, path)

	if err := writeIfMissing(base, logger, ConfigurationName, 0644, defaultConfigData); err != nil {
		return err
	}
	if err := writeIfMissing(base, logger, AuthorizedKeysName, 0600, []byte("# one public key per line\n")); err != nil {
		return err
	}
	if err := base.MkdirAll(RecordingsDirName, 0700); err != nil {
		return err
	}

	exists, err := afero.Exists(base, HostKeyName)
	if err != nil {
		return err
	}
	if exists {
		logger.Printf("%s already exists, keeping it", HostKeyName)
		return nil
	}
	logger.Printf("generating %s", HostKeyName)
	keyPem, err := generateHostKey()
	if err != nil {
		return err
	}
	return afero.WriteFile(base, HostKeyName, keyPem, 0600)
}

func writeIfMissing(fsys afero.Fs, logger *log.Logger, name string, perm os.FileMode, data []byte) error {
	exists, err := afero.Exists(fsys, name)
	if err != nil {
		return err
	}
	if exists {
		logger.Printf("%s already exists, keeping it", name)
		return nil
	}
	logger.Printf("writing %s", name)
	return afero.WriteFile(fsys, name, data, perm)
}

func generateHostKey() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}
