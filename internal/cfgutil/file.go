// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadSecrets returns the non-empty lines of a key file, skipping comments
// starting with #. The file must not be readable by group or others.
func ReadSecrets(filePath string) ([]string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}

	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("key file %s is accessible by other "+
			"users (mode %v)", filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var secrets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		secrets = append(secrets, line)
	}

	if len(secrets) == 0 {
		return nil, errors.New("key file " + filePath +
			" holds no keys")
	}

	return secrets, nil
}
