package main

import "encoding/hex"

// mustHexDecode decodes s, panicking on malformed input. Used only for
// genesis/config values that were written by this same binary's init
// command, so a decode failure indicates a corrupted home directory
// rather than untrusted input.
func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("overlordd: malformed hex in config: " + err.Error())
	}
	return b
}
