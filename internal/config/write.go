package config

import (
	"fmt"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Write marshals fc and atomically replaces the file at path. Used by the
// configgen tool to upgrade config files in place without risking a torn
// write under a running service.
func Write(path string, fc *FileConfig) error {
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0600))
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	enc := yaml.NewEncoder(pendingFile)
	enc.SetIndent(2)
	if err := enc.Encode(fc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush config: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config file: %w", err)
	}
	return nil
}
