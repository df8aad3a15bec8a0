package builder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const manifestFile = "package.json"

// outputDirs are tried in order after the build command succeeds.
var outputDirs = []string{"build", "dist"}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__MACOSX":     true,
	".git":         true,
}

// findProjectRoot searches top-down for a package.json. Each directory's
// own files are checked before any of its subdirectories, which are visited
// in lexical order, so a root manifest beats e2e/package.json.
func findProjectRoot(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, err
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			if !skipDirs[e.Name()] {
				subdirs = append(subdirs, e.Name())
			}
			continue
		}
		if e.Name() == manifestFile && e.Type().IsRegular() {
			return dir, true, nil
		}
	}
	for _, name := range subdirs {
		root, ok, err := findProjectRoot(filepath.Join(dir, name))
		if err != nil || ok {
			return root, ok, err
		}
	}
	return "", false, nil
}

func findOutputDir(root string) (string, bool) {
	for _, name := range outputDirs {
		candidate := filepath.Join(root, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// toolchain is a Node package manager and the commands a build runs with it.
type toolchain struct {
	name     string
	lockfile string
	install  []string
	build    []string
}

// toolchains are matched by lockfile in this order. npm is the fallback.
var toolchains = []toolchain{
	{name: "yarn", lockfile: "yarn.lock", install: []string{"yarn", "install"}, build: []string{"yarn", "build"}},
	{name: "pnpm", lockfile: "pnpm-lock.yaml", install: []string{"pnpm", "install"}, build: []string{"pnpm", "run", "build"}},
	{name: "npm", lockfile: "package-lock.json", install: []string{"npm", "install"}, build: []string{"npm", "run", "build"}},
}

func toolchainFor(name string) toolchain {
	for _, tc := range toolchains {
		if tc.name == name {
			return tc
		}
	}
	return toolchains[len(toolchains)-1]
}

// detectToolchain honours the manifest's packageManager field, e.g.
// "pnpm@9.1.0", before looking for lockfiles.
func detectToolchain(root string) toolchain {
	if data, err := os.ReadFile(filepath.Join(root, manifestFile)); err == nil {
		var manifest struct {
			PackageManager string `json:"packageManager"`
		}
		if json.Unmarshal(data, &manifest) == nil {
			name, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(manifest.PackageManager)), "@")
			for _, tc := range toolchains {
				if tc.name == name {
					return tc
				}
			}
		}
	}
	for _, tc := range toolchains {
		if info, err := os.Stat(filepath.Join(root, tc.lockfile)); err == nil && !info.IsDir() {
			return tc
		}
	}
	return toolchainFor("npm")
}
