package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/invigil-dev/invigil/internal/interpreter"
)

// Check names reported by Validate.
const (
	CheckInterpreter = "interpreter"
	CheckScript      = "script"
	CheckReference   = "reference_image"
	CheckLogDir      = "log_dir"
)

// CheckResult is one named validation outcome. Detail carries remediation
// context for the host UI when the check fails.
type CheckResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult maps check names to their outcomes so the caller can
// present specific remediation instead of a single pass/fail.
type ValidationResult struct {
	Checks map[string]CheckResult `json:"checks"`
}

func (v ValidationResult) OK() bool {
	for _, c := range v.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func (v ValidationResult) String() string {
	var failed []string
	for name, c := range v.Checks {
		if !c.OK {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, c.Detail))
		}
	}
	if len(failed) == 0 {
		return "all checks passed"
	}
	return "failed checks: " + strings.Join(failed, ", ")
}

// Validate runs the environment prerequisite checks for a prospective
// session without spawning anything. Safe to call in any state.
func (s *Supervisor) Validate(opts Options) ValidationResult {
	res := ValidationResult{Checks: make(map[string]CheckResult)}

	py := interpreter.Resolve(s.cfg.Root)
	if _, err := exec.LookPath(py); err != nil {
		res.Checks[CheckInterpreter] = CheckResult{Detail: fmt.Sprintf("%s not found", py)}
	} else {
		res.Checks[CheckInterpreter] = CheckResult{OK: true, Detail: py}
	}

	script := s.scriptPath()
	if fi, err := os.Stat(script); err != nil || fi.IsDir() {
		res.Checks[CheckScript] = CheckResult{Detail: fmt.Sprintf("monitor script %s missing", script)}
	} else {
		res.Checks[CheckScript] = CheckResult{OK: true, Detail: script}
	}

	ref := opts.ReferenceImage
	if ref == "" {
		ref = s.cfg.ReferenceImage
	}
	if fi, err := os.Stat(ref); err != nil || fi.IsDir() {
		res.Checks[CheckReference] = CheckResult{Detail: fmt.Sprintf("reference image %s missing", ref)}
	} else {
		res.Checks[CheckReference] = CheckResult{OK: true, Detail: ref}
	}

	if err := os.MkdirAll(s.cfg.LogDir, 0o750); err != nil {
		res.Checks[CheckLogDir] = CheckResult{Detail: fmt.Sprintf("log dir %s not writable: %v", s.cfg.LogDir, err)}
	} else {
		res.Checks[CheckLogDir] = CheckResult{OK: true, Detail: s.cfg.LogDir}
	}

	return res
}

func (s *Supervisor) scriptPath() string {
	if filepath.IsAbs(s.cfg.Script) || s.cfg.WorkDir == "" {
		return s.cfg.Script
	}
	return filepath.Join(s.cfg.WorkDir, s.cfg.Script)
}
