package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/example/imager/core-go/internal/model"
)

// ExecBuilder invokes an external build command per job. Job parameters are
// passed through the environment and the kickstart contents on stdin; stdout
// and stderr combined become the build log.
type ExecBuilder struct {
	Command string   // e.g. "mic-image-creator"
	Args    []string // fixed arguments, before the per-job environment
	Timeout time.Duration
}

func NewExecBuilder(command string, args []string, timeout time.Duration) *ExecBuilder {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ExecBuilder{Command: command, Args: args, Timeout: timeout}
}

func (b *ExecBuilder) Build(ctx context.Context, job model.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Stdin = strings.NewReader(job.Params.Kickstart)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	log := out.String()
	if ctx.Err() == context.DeadlineExceeded {
		return log, fmt.Errorf("build timed out after %s", b.Timeout)
	}
	if err != nil {
		return log, fmt.Errorf("build failed: %v", err)
	}
	return log, nil
}

func jobEnv(job model.Job) []string {
	p := job.Params
	return []string{
		"IMG_JOB_ID=" + job.ID,
		"IMG_NAME=" + p.Name,
		"IMG_TYPE=" + p.ImageType,
		"IMG_OVERLAY=" + p.Overlay,
		"IMG_RELEASE=" + p.Release,
		"IMG_ARCH=" + p.Arch,
		"IMG_DEVICEGROUP=" + p.DeviceGroup,
		"IMG_TEST_IMAGE=" + strconv.FormatBool(p.TestImage),
		"IMG_EXTRA_REPOS=" + strings.Join(p.ExtraRepos, ","),
	}
}
