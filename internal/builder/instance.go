package builder

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const instancePrefix = "dashboard-"

// instanceFiles are checked in order; the first one present is patched.
var instanceFiles = []string{
	"App.tsx",
	filepath.Join("src", "App.tsx"),
	filepath.Join("src", "App.jsx"),
	filepath.Join("src", "App.js"),
}

var instanceConst = regexp.MustCompile(`const DASHBOARD_INSTANCE_ID = '[^']*';`)

// NewInstanceID returns a fresh opaque per-deployment identifier.
func NewInstanceID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return instancePrefix + hex.EncodeToString(buf), nil
}

// patchInstanceID rewrites the embedded instance id constant. It reports the
// patched file, or "" when no known source file carries the constant.
func patchInstanceID(root, id string) (string, error) {
	for _, rel := range instanceFiles {
		path := filepath.Join(root, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		if !instanceConst.Match(data) {
			continue
		}
		replacement := []byte("const DASHBOARD_INSTANCE_ID = '" + id + "';")
		patched := instanceConst.ReplaceAllLiteral(data, replacement)
		if err := os.WriteFile(path, patched, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
		return rel, nil
	}
	return "", nil
}
