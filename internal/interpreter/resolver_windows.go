//go:build windows

package interpreter

import "os"

const (
	binDir       = "Scripts"
	pythonExe    = "python.exe"
	fallbackName = "python"
)

func executableMode(fi os.FileInfo) bool {
	return fi.Mode().IsRegular()
}
