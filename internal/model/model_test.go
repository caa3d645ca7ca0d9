package model

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobInQueue, JobRunning}: true,
		{JobRunning, JobDone}:    true,
		{JobRunning, JobError}:   true,
	}

	statuses := []JobStatus{JobInQueue, JobRunning, JobDone, JobError}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]JobStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestPinned(t *testing.T) {
	job := Job{Tags: []string{"release", TagPinned}}
	if !job.Pinned() {
		t.Error("tagged job reported unpinned")
	}
	if (Job{Tags: []string{"release"}}).Pinned() {
		t.Error("untagged job reported pinned")
	}
}

func TestIdentityOwns(t *testing.T) {
	if !(Identity{UserID: "42"}).Owns("42") {
		t.Error("owner denied")
	}
	if (Identity{UserID: "99"}).Owns("42") {
		t.Error("stranger allowed")
	}
	if !(Identity{UserID: "99", Admin: true}).Owns("42") {
		t.Error("admin denied")
	}
}
