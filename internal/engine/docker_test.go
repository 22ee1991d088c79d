package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	binary string
	args   []string
	stdin  string
}

type fakeCLI struct {
	calls  []recordedCall
	stdout string
	stderr string
	err    error
}

func (f *fakeCLI) run(_ context.Context, stdin io.Reader, binary string, args ...string) (string, string, error) {
	call := recordedCall{binary: binary, args: args}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		call.stdin = string(b)
	}
	f.calls = append(f.calls, call)
	return f.stdout, f.stderr, f.err
}

func newFakeDocker(cli *fakeCLI) *Docker {
	d := NewDocker("", nil)
	d.run = cli.run
	return d
}

func TestDockerBuildPipesSpec(t *testing.T) {
	cli := &fakeCLI{}
	d := newFakeDocker(cli)

	img, err := d.Build(context.Background(), BuildRequest{
		Tag:           "fuzzbed/demo:abc",
		ContextDir:    "/testbed/demo",
		Spec:          []byte("FROM deepstate:latest\n"),
		WorkspaceName: "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, "fuzzbed/demo:abc", img.Ref)

	require.Len(t, cli.calls, 1)
	assert.Equal(t, "docker", cli.calls[0].binary)
	assert.Equal(t, []string{
		"build", "--tag", "fuzzbed/demo:abc",
		"--label", "fuzzbed.workspace=demo",
		"--file", "-", "/testbed/demo",
	}, cli.calls[0].args)
	assert.Equal(t, "FROM deepstate:latest\n", cli.calls[0].stdin)
}

func TestDockerBuildError(t *testing.T) {
	cause := errors.New("exit status 1")
	d := newFakeDocker(&fakeCLI{stderr: "no such image", err: cause})

	_, err := d.Build(context.Background(), BuildRequest{Tag: "t"})
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "build image t: exit status 1: no such image", err.Error())
}

func TestDockerStart(t *testing.T) {
	cli := &fakeCLI{stdout: "abc123\n"}
	d := newFakeDocker(cli)

	c, err := d.Start(context.Background(), Image{Ref: "fuzzbed/demo:abc"}, ContainerConfig{
		Name: "worker_1", Hostname: "fuzzer", JobName: "worker_1", WorkspaceName: "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, Container{ID: "abc123", Name: "worker_1", Job: "worker_1"}, c)
	assert.Equal(t, []string{
		"run", "--detach", "--name", "worker_1",
		"--label", "fuzzbed.job=worker_1",
		"--label", "fuzzbed.workspace=demo",
		"--hostname", "fuzzer",
		"fuzzbed/demo:abc",
	}, cli.calls[0].args)

	_, err = newFakeDocker(&fakeCLI{stdout: "  "}).Start(context.Background(), Image{}, ContainerConfig{Name: "x"})
	var startErr *StartError
	assert.ErrorAs(t, err, &startErr)
}

func TestDockerWait(t *testing.T) {
	out, err := newFakeDocker(&fakeCLI{stdout: "137\n"}).Wait(context.Background(), Container{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 137, out.ExitCode)
	assert.False(t, out.Success())

	_, err = newFakeDocker(&fakeCLI{stdout: "garbage"}).Wait(context.Background(), Container{ID: "c"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newFakeDocker(&fakeCLI{err: errors.New("signal: terminated")}).Wait(ctx, Container{ID: "c"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDockerStopRoundsGraceUp(t *testing.T) {
	cli := &fakeCLI{}
	require.NoError(t, newFakeDocker(cli).Stop(context.Background(), Container{ID: "c"}, 1500*time.Millisecond))
	assert.Equal(t, []string{"stop", "--time", "2", "c"}, cli.calls[0].args)
}

func TestDockerStopError(t *testing.T) {
	err := newFakeDocker(&fakeCLI{err: errors.New("timeout")}).Stop(context.Background(), Container{ID: "c"}, time.Second)
	var stopErr *StopError
	require.ErrorAs(t, err, &stopErr)
	assert.Equal(t, "c", stopErr.ContainerID)
}

func TestDockerList(t *testing.T) {
	cli := &fakeCLI{stdout: "id1\tworker_1\tworker_1\nid2\tworker_2\tworker_2\n\n"}
	got, err := newFakeDocker(cli).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Container{
		{ID: "id1", Name: "worker_1", Job: "worker_1"},
		{ID: "id2", Name: "worker_2", Job: "worker_2"},
	}, got)
	assert.Contains(t, cli.calls[0].args, "label=fuzzbed.job")
}

func TestNewDockerCustomBinary(t *testing.T) {
	cli := &fakeCLI{}
	d := NewDocker("podman", nil)
	d.run = cli.run
	_, _ = d.List(context.Background())
	assert.Equal(t, "podman", cli.calls[0].binary)
}
