/* SPDX-License-Identifier: MIT */

// Package config is the daemon's own bootstrap file: the interface
// IPv4 address and the symmetric key. It intentionally does not know
// about ESSID, channel, or any other Wi-Fi interface setting -- that
// remains the excluded configuration subsystem's job. Grounded on
// manager/config.go's encoding/json-backed Config, trimmed to the
// fields the core engine actually consumes.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
)

// File is the on-disk bootstrap configuration for cmd/ibsschatd.
type File struct {
	// Interface is the IPv4 address of the ad-hoc interface this node
	// sends and receives on.
	Interface string `json:"interface"`

	// KeyHex is the symmetric Blowfish key, hex-encoded so it can live
	// in a JSON string safely regardless of byte content.
	KeyHex string `json:"key_hex"`

	// StatusAddr, if non-empty, is the listen address for the
	// read-only diagnostics endpoint (internal/status). Empty disables
	// it.
	StatusAddr string `json:"status_addr,omitempty"`
}

// Load reads and parses path into a File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// SelfAddr parses the Interface field.
func (f *File) SelfAddr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(f.Interface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("config: invalid interface address %q: %w", f.Interface, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("config: interface address %q is not IPv4", f.Interface)
	}
	return addr, nil
}

// Key decodes the hex-encoded symmetric key.
func (f *File) Key() ([]byte, error) {
	key, err := hex.DecodeString(f.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: invalid key_hex: %w", err)
	}
	return key, nil
}
