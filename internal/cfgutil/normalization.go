// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import "net"

// NormalizeAddress returns the normalized form of the address, adding a
// default port if necessary. An error is returned if the address, even
// without a port, is not valid.
func NormalizeAddress(addr string, defaultPort string) (string, error) {
	// If the first SplitHostPort errors because of a missing port and not
	// for an invalid host, add the port. If the second SplitHostPort
	// fails, then a port is not missing and the original error should be
	// returned.
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}

	return addr, nil
}
