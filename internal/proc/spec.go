package proc

import "os/exec"

// FeatureFlags are the monitor's boolean detector switches. They map 1:1
// onto command-line switches; the supervisor never interprets them.
type FeatureFlags struct {
	FaceDetection  bool `json:"face_detection" mapstructure:"face_detection"`
	FaceMatching   bool `json:"face_matching" mapstructure:"face_matching"`
	EyeTracking    bool `json:"eye_tracking" mapstructure:"eye_tracking"`
	PhoneDetection bool `json:"phone_detection" mapstructure:"phone_detection"`
}

// Spec describes one monitor process invocation.
type Spec struct {
	SessionID      string       `json:"session_id"`
	Interpreter    string       `json:"interpreter"`
	Script         string       `json:"script"`
	WorkDir        string       `json:"work_dir"`
	Env            []string     `json:"env"`
	ReferenceImage string       `json:"reference_image"`
	LogDir         string       `json:"log_dir"`
	Flags          FeatureFlags `json:"flags"`
}

// Args builds the monitor's fixed command-line contract. The order is
// deterministic: identity and paths first, then feature switches.
func (s *Spec) Args() []string {
	args := []string{
		s.Script,
		"--session-id", s.SessionID,
		"--reference", s.ReferenceImage,
		"--log-dir", s.LogDir,
	}
	if s.Flags.FaceDetection {
		args = append(args, "--face-detection")
	}
	if s.Flags.FaceMatching {
		args = append(args, "--face-matching")
	}
	if s.Flags.EyeTracking {
		args = append(args, "--eye-tracking")
	}
	if s.Flags.PhoneDetection {
		args = append(args, "--phone-detection")
	}
	return args
}

// BuildCommand constructs the *exec.Cmd for this spec. No shell is
// involved; argv is passed through verbatim.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- interpreter and script come from validated config
	cmd := exec.Command(s.Interpreter, s.Args()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}
