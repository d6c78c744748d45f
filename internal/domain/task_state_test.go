package domain

import (
	"reflect"
	"testing"
)

func TestCanTransitionTaskState(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{TaskStatePending, TaskStateProvisioning},
		{TaskStatePending, TaskStateFailed},
		{TaskStateProvisioning, TaskStateRunning},
		{TaskStateProvisioning, TaskStateFailed},
		{TaskStateRunning, TaskStateSucceeded},
		{TaskStateRunning, TaskStateFailed},
		{TaskStateSucceeded, TaskStateReclaimed},
		{TaskStateFailed, TaskStateReclaimed},
	}
	for _, tc := range allowed {
		if !CanTransitionTaskState(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to TaskState }{
		{TaskStateFailed, TaskStatePending},
		{TaskStateFailed, TaskStateProvisioning},
		{TaskStateSucceeded, TaskStateFailed},
		{TaskStateReclaimed, TaskStateRunning},
		{TaskStatePending, TaskStateSucceeded},
		{TaskStateRunning, TaskStateRunning},
	}
	for _, tc := range denied {
		if CanTransitionTaskState(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestPathTo(t *testing.T) {
	got := PathTo(TaskStateProvisioning, TaskStateSucceeded)
	want := []TaskState{TaskStateRunning, TaskStateSucceeded}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PathTo()=%v, want %v", got, want)
	}
	if got := PathTo(TaskStatePending, TaskStateFailed); !reflect.DeepEqual(got, []TaskState{TaskStateFailed}) {
		t.Fatalf("PathTo(PENDING, FAILED)=%v", got)
	}
	if got := PathTo(TaskStateFailed, TaskStateSucceeded); got != nil {
		t.Fatalf("PathTo(FAILED, SUCCEEDED)=%v, want nil", got)
	}
	if got := PathTo(TaskStateRunning, TaskStateRunning); got != nil {
		t.Fatalf("PathTo(same)=%v, want nil", got)
	}
}

func TestParseTaskState(t *testing.T) {
	s, err := ParseTaskState(" running ")
	if err != nil || s != TaskStateRunning {
		t.Fatalf("ParseTaskState()=%q err=%v", s, err)
	}
	if _, err := ParseTaskState("cancelled"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestValidateJobID(t *testing.T) {
	for _, ok := range []string{"job-1", "PID_82A.54", "a"} {
		if err := ValidateJobID(ok); err != nil {
			t.Fatalf("ValidateJobID(%q) err=%v", ok, err)
		}
	}
	for _, bad := range []string{"", "-lead", "has space", "../up", "x/y"} {
		if err := ValidateJobID(bad); err == nil {
			t.Fatalf("ValidateJobID(%q) expected error", bad)
		}
	}
}

func TestResourceCeilingValidate(t *testing.T) {
	if err := (ResourceCeiling{CPUUnits: 1024, MemoryMB: 3072, EphemeralGB: 21}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (ResourceCeiling{CPUUnits: 1024}).Validate(); err == nil {
		t.Fatalf("expected error for zero memory and disk")
	}
}

func TestTerminalStatus(t *testing.T) {
	task := TaskInstance{State: TaskStateReclaimed, Outcome: TaskStateSucceeded}
	if got := task.TerminalStatus(); got != "succeeded" {
		t.Fatalf("TerminalStatus()=%q, want succeeded", got)
	}
	if got := (TaskInstance{State: TaskStateRunning}).TerminalStatus(); got != "unknown" {
		t.Fatalf("TerminalStatus()=%q, want unknown", got)
	}
}
