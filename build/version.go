// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"fmt"
	"strings"
)

// semanticAlphabet is the set of characters allowed in the pre-release and
// build metadata parts of a semantic version.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// These constants define the application version and follow the semantic
// versioning 2.0.0 spec (http://semver.org/).
const (
	AppMajor uint = 0
	AppMinor uint = 1
	AppPatch uint = 0

	// AppPreRelease MUST only contain characters from semanticAlphabet
	// per the semantic versioning spec.
	AppPreRelease = "beta"
)

// AppBuild is defined as a variable so it can be overridden during the build
// process with '-ldflags "-X github.com/btcsuite/multiwallet/build.AppBuild
// foo"' if needed. It MUST only contain characters from semanticAlphabet per
// the semantic versioning spec.
var AppBuild string

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)

	// Append pre-release version if there is one. The hyphen called for
	// by the semantic versioning spec is automatically appended and should
	// not be contained in the pre-release string.
	if preRelease := normalizeVerString(AppPreRelease); preRelease != "" {
		version = fmt.Sprintf("%s-%s", version, preRelease)
	}

	// Append build metadata if there is any. The plus called for by the
	// semantic versioning spec is automatically appended and should not be
	// contained in the build metadata string.
	if build := normalizeVerString(AppBuild); build != "" {
		version = fmt.Sprintf("%s+%s", version, build)
	}

	return version
}

// normalizeVerString returns the passed string stripped of all characters
// which are not valid according to the semantic versioning guidelines for
// pre-release version and build metadata strings.
func normalizeVerString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
