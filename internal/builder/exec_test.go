package builder

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/example/imager/core-go/internal/model"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func testJob() model.Job {
	return model.Job{
		ID: "42-20230101-120000",
		Params: model.JobParams{
			Name:      "handset",
			ImageType: "live",
			Release:   "2023.1",
			Arch:      "armv7l",
			Kickstart: "lang en_US.UTF-8\n",
		},
	}
}

func TestExecBuilderCapturesLogAndEnv(t *testing.T) {
	skipWithoutShell(t)

	b := NewExecBuilder("/bin/sh", []string{"-c", `cat; echo "building $IMG_TYPE for $IMG_ARCH"`}, time.Minute)
	log, err := b.Build(context.Background(), testJob())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(log, "lang en_US.UTF-8") {
		t.Errorf("kickstart not fed on stdin, log = %q", log)
	}
	if !strings.Contains(log, "building live for armv7l") {
		t.Errorf("env not passed, log = %q", log)
	}
}

func TestExecBuilderFailure(t *testing.T) {
	skipWithoutShell(t)

	b := NewExecBuilder("/bin/sh", []string{"-c", "echo some output; exit 3"}, time.Minute)
	log, err := b.Build(context.Background(), testJob())
	if err == nil {
		t.Fatal("exit 3 reported success")
	}
	if !strings.Contains(log, "some output") {
		t.Errorf("partial output lost, log = %q", log)
	}
}

func TestExecBuilderTimeout(t *testing.T) {
	skipWithoutShell(t)

	b := NewExecBuilder("/bin/sh", []string{"-c", "sleep 10"}, 50*time.Millisecond)
	_, err := b.Build(context.Background(), testJob())
	if err == nil {
		t.Fatal("timeout reported success")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout message", err)
	}
}
