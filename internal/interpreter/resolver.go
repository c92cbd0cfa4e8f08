// Package interpreter locates a Python executable able to run the monitor
// process. Resolution is a pure lookup over candidate paths; a miss is not
// an error here (the fallback name surfaces as a spawn failure later).
package interpreter

import (
	"os"
	"path/filepath"
)

// EnvOverride names the environment variable that pins the interpreter
// explicitly, taking priority over any virtualenv discovery.
const EnvOverride = "INVIGIL_PYTHON"

// Virtualenv directories probed under the project root, in priority order.
var venvDirs = []string{".venv", "venv", "env"}

// Resolve returns the first interpreter that exists, searched as:
// INVIGIL_PYTHON, the active VIRTUAL_ENV, then well-known virtualenv
// directories under root. When nothing is found it returns the bare
// platform executable name, deferring failure to spawn time.
func Resolve(root string) string {
	if p := os.Getenv(EnvOverride); p != "" {
		if isExecutable(p) {
			return p
		}
	}
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		p := filepath.Join(venv, binDir, pythonExe)
		if isExecutable(p) {
			return p
		}
	}
	for _, dir := range venvDirs {
		p := filepath.Join(root, dir, binDir, pythonExe)
		if isExecutable(p) {
			return p
		}
	}
	return fallbackName
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return executableMode(fi)
}
