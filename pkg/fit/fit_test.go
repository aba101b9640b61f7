package fit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	"github.com/wehubfusion/Sisyphus/pkg/cmdline"
	"github.com/wehubfusion/Sisyphus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
	"github.com/wehubfusion/Sisyphus/pkg/workset"
)

func TestReadSize(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "model")

	t.Run("missing file is a cache miss", func(t *testing.T) {
		_, _, err := readSize(base)
		assert.ErrorIs(t, err, sdkerrors.ErrCacheMiss)
	})

	t.Run("valid metadata", func(t *testing.T) {
		require.NoError(t, os.WriteFile(base+".size",
			[]byte("size of matrix 120 x 34\ntrailing junk\n"), 0o644))
		rows, cols, err := readSize(base)
		require.NoError(t, err)
		assert.Equal(t, 120, rows)
		assert.Equal(t, 34, cols)
	})

	t.Run("short line is a cache miss", func(t *testing.T) {
		require.NoError(t, os.WriteFile(base+".size", []byte("size 120\n"), 0o644))
		_, _, err := readSize(base)
		assert.ErrorIs(t, err, sdkerrors.ErrCacheMiss)
	})

	t.Run("non-integer fields are a cache miss", func(t *testing.T) {
		require.NoError(t, os.WriteFile(base+".size",
			[]byte("size of matrix big x small\n"), 0o644))
		_, _, err := readSize(base)
		assert.ErrorIs(t, err, sdkerrors.ErrCacheMiss)
	})
}

func TestCheckOutputs(t *testing.T) {
	logger := zap.NewNop()
	dir := t.TempDir()
	base := filepath.Join(dir, "model")

	t.Run("missing artifact is a cache miss", func(t *testing.T) {
		err := checkOutputs(base, []string{".json"}, logger)
		assert.ErrorIs(t, err, sdkerrors.ErrCacheMiss)
	})

	t.Run("corrupt json is a cache miss", func(t *testing.T) {
		require.NoError(t, os.WriteFile(base+".json", []byte(`{"truncated`), 0o644))
		err := checkOutputs(base, []string{".json"}, logger)
		assert.ErrorIs(t, err, sdkerrors.ErrCacheMiss)
	})

	t.Run("valid artifacts pass", func(t *testing.T) {
		require.NoError(t, os.WriteFile(base+".json", []byte(`{"coeffs": [1, 2]}`), 0o644))
		require.NoError(t, os.WriteFile(base+".yace", []byte("anything"), 0o644))
		assert.NoError(t, checkOutputs(base, []string{".json", ".yace"}, logger))
	})

	t.Run("unknown format is not a cache miss", func(t *testing.T) {
		err := checkOutputs(base, []string{".bin"}, logger)
		assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)
		assert.False(t, sdkerrors.IsCacheMiss(err))
	})
}

func TestNormalizeFormats(t *testing.T) {
	assert.Equal(t, []string{".json", ".yace"}, normalizeFormats([]string{"json", ".yace"}))
}

// stubExec writes an executable that counts its invocations and produces
// the named output artifacts.
func stubExec(t *testing.T, dir, fileBase, countFile string, dryRun bool) string {
	t.Helper()
	var body string
	if dryRun {
		body = fmt.Sprintf("#!/bin/sh\necho run >> %s\necho 'size of matrix 100 x 25' > %s.size\n",
			countFile, fileBase)
	} else {
		body = fmt.Sprintf("#!/bin/sh\necho run >> %s\necho '{}' > %s.json\ntouch %s.yace\n",
			countFile, fileBase, fileBase)
	}
	path := filepath.Join(dir, "stub_fit.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func countRuns(t *testing.T, countFile string) int {
	t.Helper()
	data, err := os.ReadFile(countFile)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(splitLines(string(data)))
}

func newLocalFitter(t *testing.T) *Fitter {
	t.Helper()
	f, err := NewFitter(Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFitLocal(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	countFile := filepath.Join(dir, "count")
	fileBase := filepath.Join(runDir, "model")

	f := newLocalFitter(t)
	opts := Options{
		Name:              "model",
		Params:            cmdline.NewParams().Set("order", cmdline.Scalar(3)),
		RefPropertyPrefix: "REF_",
		RunDir:            runDir,
		Exec:              stubExec(t, dir, fileBase, countFile, false),
	}

	result, err := f.Fit(context.Background(), workset.NewMemorySet(
		map[string]interface{}{"energy": 1.0},
	), opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, fileBase, result.FileBase)
	assert.Equal(t, 1, countRuns(t, countFile))

	// The fitting database and the captured streams live in the run dir.
	assert.FileExists(t, filepath.Join(runDir, "fitting_database.model.json"))
	assert.FileExists(t, fileBase+".stdout")
}

func TestFitSkipsWhenOutputPresent(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	countFile := filepath.Join(dir, "count")
	fileBase := filepath.Join(runDir, "model")

	f := newLocalFitter(t)
	opts := Options{
		Name:              "model",
		Params:            cmdline.NewParams(),
		RefPropertyPrefix: "REF_",
		SkipIfPresent:     true,
		RunDir:            runDir,
		Exec:              stubExec(t, dir, fileBase, countFile, false),
	}
	configs := workset.NewMemorySet(map[string]interface{}{"energy": 1.0})

	// First call fits, second finds valid output and skips.
	_, err := f.Fit(context.Background(), configs, opts)
	require.NoError(t, err)
	result, err := f.Fit(context.Background(), configs, opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, fileBase, result.FileBase)
	assert.Equal(t, 1, countRuns(t, countFile), "executable must run exactly once")
}

func TestFitDryRun(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	countFile := filepath.Join(dir, "count")
	fileBase := filepath.Join(runDir, "model")

	f := newLocalFitter(t)
	opts := Options{
		Name:              "model",
		Params:            cmdline.NewParams(),
		RefPropertyPrefix: "REF_",
		SkipIfPresent:     true,
		RunDir:            runDir,
		DryRun:            true,
		Exec:              stubExec(t, dir, fileBase, countFile, true),
	}
	configs := workset.NewMemorySet(map[string]interface{}{"energy": 1.0})

	result, err := f.Fit(context.Background(), configs, opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.DryRun)
	assert.Equal(t, 100, result.Rows)
	assert.Equal(t, 25, result.Cols)

	// A second dry run is satisfied from the size metadata.
	_, err = f.Fit(context.Background(), configs, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, countRuns(t, countFile))
}

func TestFitExecFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stub_fit.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho broken >&2\nexit 3\n"), 0o755))

	f := newLocalFitter(t)
	opts := Options{
		Name:              "model",
		Params:            cmdline.NewParams(),
		RefPropertyPrefix: "REF_",
		RunDir:            filepath.Join(dir, "run"),
		Exec:              path,
	}
	_, err := f.Fit(context.Background(), workset.NewMemorySet("cfg"), opts)
	assert.ErrorIs(t, err, sdkerrors.ErrExecFailed)
	// The shell's exit status must survive into the reported error.
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestApplyRemoteCallWithoutConfigurations(t *testing.T) {
	f := newLocalFitter(t)
	args := dispatch.Args{Keyword: map[string]interface{}{
		"options": map[string]interface{}{"name": "model"},
	}}

	_, err := f.applyRemoteCall(context.Background(), args)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)
}

func TestFitValidation(t *testing.T) {
	f := newLocalFitter(t)
	configs := workset.NewMemorySet("cfg")

	_, err := f.Fit(context.Background(), configs, Options{
		Params: cmdline.NewParams(), RefPropertyPrefix: "REF_", Exec: "x",
	})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)

	_, err = f.Fit(context.Background(), configs, Options{
		Name: "m", RefPropertyPrefix: "REF_", Exec: "x",
	})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)

	_, err = f.Fit(context.Background(), configs, Options{
		Name: "m", Params: cmdline.NewParams(), Exec: "x",
	})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)

	_, err = f.Fit(context.Background(), configs, Options{
		Name: "m", Params: cmdline.NewParams(), RefPropertyPrefix: "REF_",
	})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidArgument)
}

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }

// fakeBroker executes submitted bundles inline through a worker-side
// engine, the way the real remote worker does.
type fakeBroker struct {
	submitted []*broker.Bundle
	processed int
	execute   func(b *broker.Bundle) (*broker.Result, error)
}

func (f *fakeBroker) Submit(ctx context.Context, b *broker.Bundle) (broker.Handle, error) {
	f.submitted = append(f.submitted, b)
	return fakeHandle(b.Hash), nil
}

func (f *fakeBroker) WaitForResult(ctx context.Context, h broker.Handle, timeout, interval time.Duration) (*broker.Result, error) {
	return f.execute(f.submitted[len(f.submitted)-1])
}

func (f *fakeBroker) MarkProcessed(ctx context.Context, h broker.Handle) error {
	f.processed++
	return nil
}

func TestFitRemoteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	countFile := filepath.Join(dir, "count")
	fileBase := filepath.Join(runDir, "model")

	fb := &fakeBroker{}
	fb.execute = func(b *broker.Bundle) (*broker.Result, error) {
		// Worker side: a local-only fitter registered under the same
		// operation name executes the bundled call.
		workerFitter, err := NewFitter(Config{}, nil, zap.NewNop())
		require.NoError(t, err)
		workerFitter.RegisterOperation()

		engine, err := dispatch.NewEngine(dispatch.DefaultConfig(), nil, zap.NewNop())
		require.NoError(t, err)

		payload, err := dispatch.ExecuteBundle(context.Background(), engine, b)
		if err != nil {
			return nil, err
		}
		return &broker.Result{Payload: payload}, nil
	}

	f, err := NewFitter(Config{}, fb, zap.NewNop())
	require.NoError(t, err)

	opts := Options{
		Name:              "model",
		Params:            cmdline.NewParams(),
		RefPropertyPrefix: "REF_",
		RunDir:            runDir,
		Exec:              stubExec(t, dir, fileBase, countFile, false),
		Remote:            &dispatch.RemoteInfo{Profile: &dispatch.RemoteProfile{SysName: "cluster"}},
		WaitForResults:    true,
	}

	result, err := f.Fit(context.Background(), workset.NewMemorySet(
		map[string]interface{}{"energy": 1.0},
	), opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, fileBase, result.FileBase)
	assert.Equal(t, 1, countRuns(t, countFile))

	require.Len(t, fb.submitted, 1)
	b := fb.submitted[0]
	assert.Equal(t, OperationName, b.Function)
	assert.Equal(t, "cluster", b.SystemName)
	assert.Contains(t, b.OutputFiles, runDir, "run dir must stage back")
	assert.Equal(t, 1, fb.processed)
}

func TestFitRemoteDetached(t *testing.T) {
	fb := &fakeBroker{execute: func(*broker.Bundle) (*broker.Result, error) {
		t.Fatal("detached fit must not wait for a result")
		return nil, nil
	}}
	f, err := NewFitter(Config{}, fb, zap.NewNop())
	require.NoError(t, err)

	result, err := f.Fit(context.Background(), workset.NewMemorySet("cfg"), Options{
		Name:              "model",
		Params:            cmdline.NewParams(),
		RefPropertyPrefix: "REF_",
		Exec:              "never-run",
		Remote:            &dispatch.RemoteInfo{Profile: &dispatch.RemoteProfile{SysName: "cluster"}},
	})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Len(t, fb.submitted, 1)
	assert.Zero(t, fb.processed)
}

func TestNewFitterRequiresLogger(t *testing.T) {
	_, err := NewFitter(Config{}, nil, nil)
	assert.Error(t, err)
}
