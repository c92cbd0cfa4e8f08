//go:build !windows

package interpreter

import "os"

const (
	binDir       = "bin"
	pythonExe    = "python"
	fallbackName = "python3"
)

func executableMode(fi os.FileInfo) bool {
	return fi.Mode()&0o111 != 0
}
