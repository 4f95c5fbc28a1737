package epgbin

import "strings"

// CipherKey is XORed into every byte of the title and show-name strings.
const CipherKey = 0x15

// Deobfuscate returns a copy of b with CipherKey applied. The transform is its
// own inverse.
func Deobfuscate(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ CipherKey
	}
	return out
}

func decodeString(b []byte) string {
	return strings.ToValidUTF8(string(Deobfuscate(b)), "�")
}
