// Package judge implements the judging orchestrator: it materializes source
// files into a workspace, drives compilation, wires submission and checker
// together through a sandbox, and synthesizes the final verdict.
package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apexjudge/judgerunner/internal/language"
	"github.com/apexjudge/judgerunner/internal/logging"
	"github.com/apexjudge/judgerunner/internal/metrics"
	"github.com/apexjudge/judgerunner/internal/resourcegroup"
	"github.com/apexjudge/judgerunner/internal/sandbox"
	"github.com/apexjudge/judgerunner/internal/verdict"
)

// ErrStateViolation is returned when a caller invokes an operation out of
// the Created -> Compiled protocol (e.g. Run before Compile, or Run without
// a configured checker). It is a programmer error, not a judging outcome.
var ErrStateViolation = errors.New("judge: state violation")

type state int

const (
	stateCreated state = iota
	stateCompiled
)

// Program is a submitted or checker program: its source bytes and the
// language it is written in.
type Program struct {
	Code     []byte
	Language language.Language
}

// WorkspaceProvider returns a fresh, empty working directory. The default
// implementation creates one under the OS temp directory named by a
// strong-random identifier; callers may substitute their own (e.g. to place
// workspaces on a scratch volume).
type WorkspaceProvider func() (string, error)

// DefaultWorkspaceProvider creates "<os-temp>/<uuid-v4>".
func DefaultWorkspaceProvider() (string, error) {
	dir := filepath.Join(os.TempDir(), uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("judge: workspace creation failed: %w", err)
	}
	return dir, nil
}

const (
	mainName    = "main"
	checkerName = "checker"
)

// Judge is the per-run orchestrator. It progresses Created -> Compiled; Run
// is only valid in the Compiled state with a checker configured. The state
// field is a run-time-checked discipline, not a compile-time type-state —
// an acceptable substitute per this system's construction contract.
type Judge struct {
	workspace   string
	main        Program
	checker     *Program
	interactive bool
	resource    resourcegroup.Resource
	timeLimit   time.Duration
	state       state
}

// Build creates a fresh workspace and materializes main (and checker, if
// given) into it. The checker may be source (compiled on demand by the
// caller via CompileChecker before Build, or left for a later Run directly
// against an interpreter) or a precompiled executable — the workspace
// layout is identical either way.
func Build(main Program, checker *Program, interactive bool, resource resourcegroup.Resource, timeLimit time.Duration, ws WorkspaceProvider) (*Judge, error) {
	if ws == nil {
		ws = DefaultWorkspaceProvider
	}
	dir, err := ws()
	if err != nil {
		return nil, err
	}

	mainPath := filepath.Join(dir, mainName+"."+main.Language.SourceExtension)
	if err := os.WriteFile(mainPath, main.Code, 0644); err != nil {
		return nil, fmt.Errorf("judge: source write failed: %w", err)
	}

	if checker != nil {
		var checkerPath string
		if checker.Language.IsInterpreted() {
			checkerPath = filepath.Join(dir, checkerName+"."+checker.Language.SourceExtension)
		} else {
			checkerPath = filepath.Join(dir, checkerName)
		}
		if err := os.WriteFile(checkerPath, checker.Code, 0755); err != nil {
			return nil, fmt.Errorf("judge: source write failed: %w", err)
		}
	}

	logging.WithRun(dir, main.Language.Name).Debug("workspace built")

	return &Judge{
		workspace:   dir,
		main:        main,
		checker:     checker,
		interactive: interactive,
		resource:    resource,
		timeLimit:   timeLimit,
		state:       stateCreated,
	}, nil
}

// Compile runs the submission's compile command, if its language has one.
// A non-zero exit produces a CompilationError Metrics (an expected verdict,
// not an error); a failure to even spawn the compiler is a host error.
// On success the Judge transitions to the Compiled state.
func (j *Judge) Compile() (*verdict.Metrics, error) {
	cmd, ok := j.main.Language.CompileCommand(mainName, j.workspace)
	if !ok {
		j.state = stateCompiled
		return nil, nil
	}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			m := j.finish(verdict.CompilationError, 0, 0, nil, nil)
			return &m, nil
		}
		return nil, fmt.Errorf("judge: compile-command spawn failed: %w", err)
	}
	j.state = stateCompiled
	return nil, nil
}

// ReadExecutable returns the raw bytes of the compiled submission artifact,
// for reuse as a pre-built checker in a later Judge. Calling it more than
// once returns byte-identical content, since it just rereads the file.
func (j *Judge) ReadExecutable() ([]byte, error) {
	if j.state != stateCompiled {
		return nil, fmt.Errorf("%w: read_executable before compile", ErrStateViolation)
	}
	path := filepath.Join(j.workspace, j.main.Language.ExecutablePath(mainName))
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("judge: read executable: %w", err)
	}
	return b, nil
}

// Run feeds input to the submission (running inside a Sandbox) and the
// checker (running outside it), forwards streams between them, and
// synthesizes a verdict. Requires the Compiled state and a configured
// checker; otherwise fails with ErrStateViolation.
func (j *Judge) Run(ctx context.Context, input []byte) (verdict.Metrics, error) {
	if j.state != stateCompiled {
		return verdict.Metrics{}, fmt.Errorf("%w: run before compile", ErrStateViolation)
	}
	if j.checker == nil {
		return verdict.Metrics{}, fmt.Errorf("%w: run without a checker configured", ErrStateViolation)
	}
	if err := ctx.Err(); err != nil {
		return verdict.Metrics{}, err
	}

	checkerCmd := j.checker.Language.RunCommand(checkerName, j.workspace)
	checkerStdin, err := checkerCmd.StdinPipe()
	if err != nil {
		return verdict.Metrics{}, fmt.Errorf("judge: checker stdin pipe: %w", err)
	}
	checkerStdout, err := checkerCmd.StdoutPipe()
	if err != nil {
		return verdict.Metrics{}, fmt.Errorf("judge: checker stdout pipe: %w", err)
	}
	if err := checkerCmd.Start(); err != nil {
		return verdict.Metrics{}, fmt.Errorf("judge: child spawn failed: %w", err)
	}

	abortChecker := func() {
		_ = checkerCmd.Process.Kill()
		_ = checkerCmd.Wait()
	}

	sb, err := sandbox.New(j.resource, j.timeLimit)
	if err != nil {
		abortChecker()
		return verdict.Metrics{}, err
	}
	defer sb.Close()

	mainCmd := j.main.Language.RunCommand(mainName, j.workspace)
	mainStdin, err := mainCmd.StdinPipe()
	if err != nil {
		abortChecker()
		return verdict.Metrics{}, fmt.Errorf("judge: submission stdin pipe: %w", err)
	}
	mainStdout, err := mainCmd.StdoutPipe()
	if err != nil {
		abortChecker()
		return verdict.Metrics{}, fmt.Errorf("judge: submission stdout pipe: %w", err)
	}
	mainStderr, err := mainCmd.StderrPipe()
	if err != nil {
		abortChecker()
		return verdict.Metrics{}, fmt.Errorf("judge: submission stderr pipe: %w", err)
	}

	if err := sb.Spawn(mainCmd); err != nil {
		abortChecker()
		return verdict.Metrics{}, err
	}

	// Input delivery completes before any pump may observe peer data.
	if _, err := fmt.Fprintf(checkerStdin, "%s\n", input); err != nil {
		abortChecker()
		return verdict.Metrics{}, fmt.Errorf("judge: i/o failure writing checker input: %w", err)
	}
	if !j.interactive {
		if _, err := fmt.Fprintf(mainStdin, "%s\n", input); err != nil {
			abortChecker()
			return verdict.Metrics{}, fmt.Errorf("judge: i/o failure writing submission input: %w", err)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer checkerStdin.Close()
		_, _ = io.Copy(io.MultiWriter(checkerStdin, &stdoutBuf), mainStdout)
	}()

	if j.interactive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer mainStdin.Close()
			_, _ = io.Copy(mainStdin, checkerStdout)
		}()
	} else {
		mainStdin.Close()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, mainStderr)
	}()

	result, err := sb.Monitor(mainCmd)
	if err != nil {
		_ = checkerCmd.Process.Kill()
		_ = checkerCmd.Wait()
		return verdict.Metrics{}, err
	}

	wg.Wait()

	if result.HasVerdict {
		_ = checkerCmd.Process.Kill()
		_ = checkerCmd.Wait()
		return j.finish(result.Verdict, result.CPUTime, result.PeakMemory, stdoutBuf.Bytes(), stderrBuf.Bytes()), nil
	}

	checkerErr := checkerCmd.Wait()
	v := verdict.Accepted
	if checkerErr != nil {
		v = verdict.WrongAnswer
	}
	return j.finish(v, result.CPUTime, result.PeakMemory, stdoutBuf.Bytes(), stderrBuf.Bytes()), nil
}

// finish assembles the final Metrics, logs the synthesized verdict, and
// records it in the Prometheus run counters/histograms.
func (j *Judge) finish(v verdict.Verdict, runTime time.Duration, peakMemory uint64, stdout, stderr []byte) verdict.Metrics {
	logging.WithRun(j.workspace, j.main.Language.Name).Info("verdict synthesized",
		zap.String("verdict", v.String()),
		zap.Duration("run_time", runTime),
		zap.Uint64("peak_memory", peakMemory),
	)
	metrics.Get().ObserveRun(j.main.Language.Name, v, runTime.Seconds(), peakMemory)
	return verdict.Metrics{
		Verdict:     v,
		RunTime:     runTime,
		MemoryUsage: peakMemory,
		Stdout:      stdout,
		Stderr:      stderr,
	}
}

// Close removes the workspace directory. Best-effort: the workspace remains
// on disk if an error propagated out of Run, up until the caller drops the
// Judge by calling Close explicitly.
func (j *Judge) Close() error {
	if err := os.RemoveAll(j.workspace); err != nil {
		logging.L().Warn("judge: workspace cleanup failed")
		return nil
	}
	return nil
}

// CompileChecker compiles checker source in an isolated scratch workspace
// and returns the resulting executable bytes, unchanged if the language is
// interpreted. Supplements the library surface so a checker can be built
// once and its bytes reused as a precompiled checker across many Judge
// runs (the read_executable reuse path described in the external
// interfaces).
func CompileChecker(code []byte, lang language.Language) ([]byte, error) {
	dir, err := DefaultWorkspaceProvider()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, checkerName+"."+lang.SourceExtension)
	if err := os.WriteFile(path, code, 0644); err != nil {
		return nil, fmt.Errorf("judge: source write failed: %w", err)
	}

	cmd, ok := lang.CompileCommand(checkerName, dir)
	if !ok {
		return code, nil
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("judge: checker compile-command spawn failed: %w", err)
	}
	return os.ReadFile(filepath.Join(dir, lang.ExecutablePath(checkerName)))
}
