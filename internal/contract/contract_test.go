package contract

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func validEnv() Env {
	return Env{
		KeyInputMode:     ModeS3,
		KeyInputDir:      "/data/input",
		KeyOutputDir:     "/data/output",
		KeyBucket:        "bhattis-coughsense",
		KeyInputPrefix:   "audio_files/",
		KeyAudioFilename: "PID_82A_54_codec.wav",
		KeyModelFilename: "cough_model.h5",
		KeyOutputPrefix:  "results/job-1/",
		KeySessionID:     "job-1",
	}
}

func TestMerge_OverrideWins(t *testing.T) {
	defaults := map[string]string{KeyBucket: "default-bucket", KeyInputPrefix: "audio_files/", "EXTRA": "d"}
	overrides := map[string]string{KeyBucket: "other-bucket", "NEW": "n"}

	got := Merge(defaults, overrides)
	want := Env{KeyBucket: "other-bucket", KeyInputPrefix: "audio_files/", "EXTRA": "d", "NEW": "n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge()=%v, want %v", got, want)
	}
	if defaults[KeyBucket] != "default-bucket" {
		t.Fatalf("Merge() mutated defaults")
	}
}

func TestMerge_EmptyOverrideClearsDefault(t *testing.T) {
	got := Merge(map[string]string{KeyBucket: "default-bucket"}, map[string]string{KeyBucket: ""})
	v, ok := got[KeyBucket]
	if !ok || v != "" {
		t.Fatalf("S3_BUCKET=%q ok=%v, want explicit empty", v, ok)
	}
}

// Every key of either side appears in the merge, and the value is the
// override's whenever the override names the key.
func TestMerge_Property(t *testing.T) {
	cases := []struct{ defaults, overrides map[string]string }{
		{nil, nil},
		{map[string]string{"A": "1"}, nil},
		{nil, map[string]string{"A": "2"}},
		{map[string]string{"A": "1", "B": "1"}, map[string]string{"B": "", "C": "3"}},
	}
	for _, tc := range cases {
		got := Merge(tc.defaults, tc.overrides)
		for k, v := range tc.defaults {
			if _, over := tc.overrides[k]; !over && got[k] != v {
				t.Fatalf("default %s lost: %v", k, got)
			}
		}
		for k, v := range tc.overrides {
			if got[k] != v {
				t.Fatalf("override %s=%q not applied: %v", k, v, got)
			}
		}
		if len(got) > len(tc.defaults)+len(tc.overrides) {
			t.Fatalf("unexpected keys: %v", got)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	env := validEnv()
	env["FUTURE_KNOB"] = ""
	if err := Validate(env); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	for _, key := range alwaysRequired {
		t.Run(key, func(t *testing.T) {
			env := validEnv()
			env[key] = ""
			err := Validate(env)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err=%v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("err=%v does not name %s", err, key)
			}
		})
	}
}

func TestValidate_ModeRules(t *testing.T) {
	env := validEnv()
	env[KeyInputPrefix] = ""
	if err := Validate(env); err == nil {
		t.Fatalf("s3 mode without S3_KEY should fail")
	}

	env = validEnv()
	env[KeyInputMode] = ModeLocal
	env[KeyAudioFilename] = ""
	if err := Validate(env); err == nil {
		t.Fatalf("local mode without AUDIO_FILENAME should fail")
	}

	env = validEnv()
	env[KeyInputMode] = "ftp"
	if err := Validate(env); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}

func TestValidate_Aggregates(t *testing.T) {
	env := validEnv()
	env[KeyInputDir] = "data/input"
	env[KeyOutputPrefix] = "../escape/"
	env[KeyBucket] = "*"
	err := Validate(env)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%T, want *ValidationError", err)
	}
	if len(verr.Issues) != 3 {
		t.Fatalf("issues=%v, want 3", verr.Issues)
	}
}

func TestKeys(t *testing.T) {
	env := validEnv()
	if got := env.InputKey(); got != "audio_files/PID_82A_54_codec.wav" {
		t.Fatalf("InputKey()=%q", got)
	}
	env[KeyAudioFilename] = ""
	if got := env.InputKey(); got != "audio_files/" {
		t.Fatalf("InputKey() without filename=%q", got)
	}
	env[KeyOutputPrefix] = "results/job-1"
	if got := env.OutputKey("output.txt"); got != "results/job-1/output.txt" {
		t.Fatalf("OutputKey()=%q", got)
	}
}

func TestFromEnviron(t *testing.T) {
	environ := append(validEnv().Sorted(), "PATH=/usr/bin", "NOEQUALS")
	env, err := FromEnviron(environ)
	if err != nil {
		t.Fatalf("FromEnviron() err=%v", err)
	}
	if env[KeySessionID] != "job-1" || env["PATH"] != "/usr/bin" {
		t.Fatalf("unexpected env: %v", env)
	}

	if _, err := FromEnviron([]string{"INPUT_MODE=s3"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want ErrInvalid", err)
	}
}

func TestSorted(t *testing.T) {
	got := Env{"B": "2", "A": "1"}.Sorted()
	if !reflect.DeepEqual(got, []string{"A=1", "B=2"}) {
		t.Fatalf("Sorted()=%v", got)
	}
}

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		KeySessionID:                 true,
		"COUGHSENSE_DEPLOYMENT_NAME": true,
		"COUGHSENSE_S3_ENDPOINT":     true,
		KeyBucket:                    false,
		"THRESHOLD":                  false,
		"coughsense_lower":           false,
	}
	for key, want := range cases {
		if got := IsReserved(key); got != want {
			t.Fatalf("IsReserved(%q)=%v want %v", key, got, want)
		}
	}
}
