package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSealedJSON loads a sealed file and decodes its JSON payload into v.
func ReadSealedJSON(path, passphrase, label string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plaintext, err := Open(passphrase, label, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

// WriteSealedJSON seals a JSON payload and writes it through a temp file
// plus rename, so a crash mid-write never truncates existing key material.
func WriteSealedJSON(path, passphrase, label string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := Seal(passphrase, label, payload)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
