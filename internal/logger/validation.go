package logger

import (
	"fmt"
	"runtime"
	"strings"
)

// ValidateFilenamePattern checks a log filename pattern for cross-platform safety.
// Date tokens (YYYY, MM, DD, HH) are allowed; path separators are not, and a
// handful of extra characters are rejected on Windows.
func ValidateFilenamePattern(pattern string) error {
	if pattern == "" {
		// Empty pattern falls back to the package default
		return nil
	}

	if strings.ContainsRune(pattern, '/') {
		return fmt.Errorf("pattern must not contain '/' path separators: %s", pattern)
	}
	if strings.ContainsRune(pattern, '\\') {
		return fmt.Errorf("pattern must not contain '\\' path separators: %s", pattern)
	}

	if runtime.GOOS == "windows" {
		invalid := map[rune]string{
			':': "colon",
			'|': "pipe",
			'*': "asterisk",
			'?': "question mark",
			'"': "double quote",
			'<': "less-than",
			'>': "greater-than",
		}
		for r, name := range invalid {
			if strings.ContainsRune(pattern, r) {
				return fmt.Errorf("pattern contains %s, which is invalid on Windows: %s", name, pattern)
			}
		}

		// Reserved device names cannot be used as filenames on Windows
		base := strings.ToUpper(pattern)
		if dot := strings.IndexByte(base, '.'); dot >= 0 {
			base = base[:dot]
		}
		reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4", "LPT1", "LPT2", "LPT3"}
		for _, r := range reserved {
			if base == r {
				return fmt.Errorf("pattern resolves to reserved Windows device name %s", r)
			}
		}
	}

	return nil
}
