// Package contract defines the Execution Environment Contract: the named
// environment variables through which a task learns where its input is and
// where its output goes.
//
// The launching side builds the contract with Merge and checks it with
// Validate before anything is started. The task side reads it back with
// FromEnviron and applies the same rules, failing fast on a bad value.
package contract

import (
	"errors"
	"sort"
	"strings"
)

const (
	KeyInputMode     = "INPUT_MODE"
	KeyInputDir      = "INPUT_DIR"
	KeyOutputDir     = "OUTPUT_DIR"
	KeyBucket        = "S3_BUCKET"
	KeyInputPrefix   = "S3_KEY"
	KeyAudioFilename = "AUDIO_FILENAME"
	KeyModelFilename = "MODEL_FILENAME"
	KeyOutputPrefix  = "OUTPUT_KEY"
	KeySessionID     = "SESSION_ID"
)

const (
	ModeS3    = "s3"
	ModeLocal = "local"
)

// Env is one resolved contract. Keys outside the known set are carried
// through untouched.
type Env map[string]string

var ErrInvalid = errors.New("invalid execution contract")

// PlatformPrefix marks platform settings the launcher hands to a task next to
// its contract, such as the deployment name.
const PlatformPrefix = "COUGHSENSE_"

// IsReserved reports keys the launcher sets itself; callers may not override them.
func IsReserved(key string) bool {
	return key == KeySessionID || strings.HasPrefix(key, PlatformPrefix)
}

func IsKnown(key string) bool {
	switch key {
	case KeyInputMode, KeyInputDir, KeyOutputDir, KeyBucket, KeyInputPrefix,
		KeyAudioFilename, KeyModelFilename, KeyOutputPrefix, KeySessionID:
		return true
	}
	return false
}

// Merge overlays overrides on defaults. An override always wins, including an
// explicitly empty one: an empty S3_BUCKET override clears the default and is
// then rejected by Validate rather than silently replaced.
func Merge(defaults, overrides map[string]string) Env {
	out := make(Env, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (e Env) Get(key string) string { return e[key] }

func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order so launches are reproducible.
func (e Env) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sorted renders KEY=VALUE pairs in key order.
func (e Env) Sorted() []string {
	out := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		out = append(out, k+"="+e[k])
	}
	return out
}

// InputKey is the object key the task reads in s3 mode. When AUDIO_FILENAME is
// unset the task takes the first object under S3_KEY, and InputKey is the prefix.
func (e Env) InputKey() string {
	return joinKey(e[KeyInputPrefix], e[KeyAudioFilename])
}

func (e Env) OutputKey(name string) string {
	return joinKey(e[KeyOutputPrefix], name)
}

func joinKey(prefix, name string) string {
	if name == "" {
		return prefix
	}
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix + name
	}
	return prefix + "/" + name
}

// FromEnviron reads a contract from os.Environ-style pairs and validates it.
func FromEnviron(environ []string) (Env, error) {
	env := make(Env, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}
