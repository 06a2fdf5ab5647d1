package transporttest

import (
	"os"
	"path/filepath"
)

// WriteImage writes ImageContent(n) to dir/name and returns the path.
func WriteImage(dir, name string, n int) (string, error) {
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(ImageContent(n)), 0o644); err != nil {
		return "", err
	}
	return p, nil
}
