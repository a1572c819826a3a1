// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// PrepareFilePath expands a leading tilde in filePath and creates its parent directory, if missing.
// It returns the expanded path.
func PrepareFilePath(filePath string) (string, error) {
	filePath, err := ReplaceTildeInDir(filePath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q for %q", dir, filePath)
	}
	return filePath, nil
}
