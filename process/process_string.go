package process

import "fmt"

// FixedStringLength is the longest string the target stores in its fixed name buffers
const FixedStringLength = 12

// ReadFixedString reads up to maxLength bytes and stops at the first NUL.
// A missing terminator is tolerated: the result is cut at maxLength.
func ReadFixedString(proc Process, addr ProcessMemoryAddress, maxLength ProcessMemorySize) (string, error) {
	if maxLength == 0 {
		return "", nil
	}

	data, err := proc.ReadMemory(addr, maxLength)
	if err != nil {
		return "", fmt.Errorf("read string at %s: %w", addr.ToString(), err)
	}

	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}

	return string(data), nil
}

// WriteFixedString writes at most FixedStringLength bytes of s followed by a NUL.
// It returns the number of bytes written, always writeLength+1.
func WriteFixedString(proc Process, addr ProcessMemoryAddress, s string) (int, error) {
	writeLength := len(s)
	if writeLength > FixedStringLength {
		writeLength = FixedStringLength
	}

	buf := make([]byte, writeLength+1)
	copy(buf, s[:writeLength])

	if err := proc.WriteMemory(addr, buf); err != nil {
		return 0, fmt.Errorf("write string at %s: %w", addr.ToString(), err)
	}
	return len(buf), nil
}

// ReadFixedStringRelative is ReadFixedString at main module base + offset
func ReadFixedStringRelative(proc Process, offset ProcessMemorySize, maxLength ProcessMemorySize) (string, error) {
	addr, err := proc.ResolveRelative(offset)
	if err != nil {
		return "", err
	}
	return ReadFixedString(proc, addr, maxLength)
}

// WriteFixedStringRelative is WriteFixedString at main module base + offset
func WriteFixedStringRelative(proc Process, offset ProcessMemorySize, s string) (int, error) {
	addr, err := proc.ResolveRelative(offset)
	if err != nil {
		return 0, err
	}
	return WriteFixedString(proc, addr, s)
}

// IsValidCharacterName reports whether s fits a name buffer and uses only letters, digits, '_' and '-'
func IsValidCharacterName(s string) bool {
	if len(s) == 0 || len(s) > FixedStringLength {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
