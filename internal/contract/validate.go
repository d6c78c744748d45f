package contract

import (
	"fmt"
	"path"
	"strings"
)

// ValidationError aggregates every contract problem found in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalid.Error()
	}
	return ErrInvalid.Error() + ": " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func (e *ValidationError) Add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

var alwaysRequired = []string{
	KeyInputMode,
	KeyBucket,
	KeyModelFilename,
	KeyInputDir,
	KeyOutputDir,
	KeySessionID,
	KeyOutputPrefix,
}

// Validate applies the known-key rules. Keys it does not recognise are not
// inspected.
func Validate(env map[string]string) error {
	verr := &ValidationError{}

	for _, key := range alwaysRequired {
		if strings.TrimSpace(env[key]) == "" {
			verr.Add("%s is required", key)
		}
	}

	switch mode := env[KeyInputMode]; mode {
	case ModeS3:
		if strings.TrimSpace(env[KeyInputPrefix]) == "" {
			verr.Add("%s is required when %s=%s", KeyInputPrefix, KeyInputMode, ModeS3)
		}
	case ModeLocal:
		if strings.TrimSpace(env[KeyAudioFilename]) == "" {
			verr.Add("%s is required when %s=%s", KeyAudioFilename, KeyInputMode, ModeLocal)
		}
	case "":
	default:
		verr.Add("%s must be %q or %q (got %q)", KeyInputMode, ModeS3, ModeLocal, mode)
	}

	for _, key := range []string{KeyInputDir, KeyOutputDir} {
		if v := env[key]; v != "" && !path.IsAbs(v) {
			verr.Add("%s must be an absolute path (got %q)", key, v)
		}
	}
	for _, key := range []string{KeyInputPrefix, KeyOutputPrefix} {
		if v := env[key]; v != "" && !safeKey(v) {
			verr.Add("%s must be a relative object key without '..' (got %q)", key, v)
		}
	}
	for _, key := range []string{KeyAudioFilename, KeyModelFilename} {
		if v := env[key]; v != "" && (strings.Contains(v, "/") || v == "." || v == "..") {
			verr.Add("%s must be a bare file name (got %q)", key, v)
		}
	}
	if b := env[KeyBucket]; b != "" && !validBucketName(b) {
		verr.Add("%s %q is not a valid bucket name", KeyBucket, b)
	}

	return verr.OrNil()
}

func safeKey(key string) bool {
	if strings.HasPrefix(key, "/") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// validBucketName follows the S3 naming rules closely enough to reject
// wildcards and ARNs passed where a plain name belongs.
func validBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '.') && i > 0 && i < len(name)-1:
		default:
			return false
		}
	}
	return true
}
