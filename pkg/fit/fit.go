// Package fit runs an external model-fitting executable over a set of
// fitting configurations, either locally or as a remotely queued batch
// job. Completed fits are never redone: with SkipIfPresent the fitter
// probes for structurally valid prior output (or, for a dry run, just the
// recorded matrix size) and short-circuits with the cached result.
package fit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	"github.com/wehubfusion/Sisyphus/pkg/cmdline"
	"github.com/wehubfusion/Sisyphus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
	"github.com/wehubfusion/Sisyphus/pkg/workset"
)

// OperationName is the registry name under which remote workers find the
// fitting operation.
const OperationName = "fit.run"

// Environment variables read once by ConfigFromEnv.
const (
	// EnvRemoteInfo is the fit-specific remote-profile value, consulted
	// when a fit call does not carry its own.
	EnvRemoteInfo = "SISYPHUS_FIT_REMOTE_INFO"

	// EnvThreads is copied into the fitting executable's environment as
	// OMP_NUM_THREADS.
	EnvThreads = "SISYPHUS_FIT_THREADS"

	// EnvBLASThreads is copied into the fitting executable's
	// environment as OPENBLAS_NUM_THREADS.
	EnvBLASThreads = "SISYPHUS_FIT_BLAS_THREADS"
)

// Required command parameters. Their absence is a caller contract
// violation.
const (
	paramOutfileBase   = "outfile_base"
	paramOutfileFormat = "outfile_format"
	paramDataFile      = "data_file"
)

// Config is the fitter's process-wide configuration, read from the
// environment once at construction.
type Config struct {
	// RemoteInfo is the default remote-profile value for fitting jobs.
	RemoteInfo string

	// Threads and BLASThreads are passed through to the external
	// executable's own environment.
	Threads     string
	BLASThreads string
}

// ConfigFromEnv builds the fitter configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		RemoteInfo:  os.Getenv(EnvRemoteInfo),
		Threads:     os.Getenv(EnvThreads),
		BLASThreads: os.Getenv(EnvBLASThreads),
	}
}

// Options controls one fit.
type Options struct {
	// Name is the model name; output files carry it as their base name.
	Name string

	// Params become the executable's command line via the encoder.
	Params *cmdline.Params

	// RefPropertyPrefix is prepended to the reference property names
	// (energy, forces, virial) handed to the executable. Must be
	// non-empty; defaulting it would silently fit against the wrong
	// keys.
	RefPropertyPrefix string

	// SkipIfPresent probes for valid prior output before fitting.
	SkipIfPresent bool

	// RunDir is the directory the fit runs in; it will contain only
	// artifacts of this fit. Empty means the current directory.
	RunDir string

	// Formats are the output artifact suffixes to write and validate.
	Formats []string

	// Exec is the external fitting executable.
	Exec string

	// DryRun asks the executable for the design-matrix size only.
	DryRun bool

	// Verbose logs the full fitting command line.
	Verbose bool

	// Remote requests remote execution; nil consults the configured
	// default, the ignore sentinel forces local execution.
	Remote *dispatch.RemoteInfo

	// Label and CallPath feed profile-table resolution.
	Label    string
	CallPath dispatch.CallPath

	// WaitForResults blocks on the remote job; when false the job is
	// left running and the fit returns no result.
	WaitForResults bool
}

// Result is the outcome of one fit: the output file base for a real fit,
// or the design-matrix size for a dry run.
type Result struct {
	FileBase string `json:"file_base,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// Fitter runs fits. It is safe for concurrent use.
type Fitter struct {
	cfg      Config
	broker   broker.Broker
	resolver *dispatch.Resolver
	logger   *zap.Logger
}

// NewFitter creates a fitter. The broker may be nil when fits only ever
// run locally; the logger must not be nil.
func NewFitter(cfg Config, brk broker.Broker, logger *zap.Logger) (*Fitter, error) {
	if logger == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "logger cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	return &Fitter{
		cfg:      cfg,
		broker:   brk,
		resolver: dispatch.NewResolver(cfg.RemoteInfo, logger),
		logger:   logger,
	}, nil
}

// RegisterOperation makes the fitter's operation available to remote
// workers under OperationName.
func (f *Fitter) RegisterOperation() {
	dispatch.Register(dispatch.NewOperation(OperationName, f.applyRemoteCall))
}

// Fit runs one fit over the given configurations.
func (f *Fitter) Fit(ctx context.Context, configs workset.InputSet, opts Options) (*Result, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	fileBase := filepath.Join(opts.RunDir, opts.Name)
	formats := normalizeFormats(opts.Formats)

	// Return early if a previous fit already produced valid output.
	if opts.SkipIfPresent {
		if result, err := f.probe(fileBase, formats, opts.DryRun); err == nil {
			f.logger.Info("prior fit output is valid, skipping fit", zap.String("file_base", fileBase))
			return result, nil
		} else if !sdkerrors.IsCacheMiss(err) {
			return nil, err
		}
	}

	profile, err := f.resolver.Resolve(opts.Remote, opts.CallPath, opts.Label)
	if err != nil {
		f.logger.Warn("remote profile resolution failed, fitting locally", zap.Error(err))
		profile = nil
	}
	if profile != nil {
		return f.fitRemotely(ctx, profile, configs, opts)
	}
	return f.fitLocally(ctx, configs, opts, fileBase, formats)
}

func validateOptions(opts *Options) error {
	if opts.Name == "" {
		return sdkerrors.NewError("BAD_CALL", "model name cannot be empty", sdkerrors.ErrInvalidArgument)
	}
	if opts.Params == nil {
		return sdkerrors.NewError("BAD_CALL", "params cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if opts.RefPropertyPrefix == "" {
		return sdkerrors.NewError("BAD_CALL", "reference property prefix cannot be empty", sdkerrors.ErrInvalidArgument)
	}
	if opts.Exec == "" {
		return sdkerrors.NewError("BAD_CALL", "fitting executable cannot be empty", sdkerrors.ErrInvalidArgument)
	}
	if opts.RunDir == "" {
		opts.RunDir = "."
	}
	if len(opts.Formats) == 0 {
		opts.Formats = []string{"json", "yace"}
	}
	return nil
}

// probe implements the two cache-probe modes.
func (f *Fitter) probe(fileBase string, formats []string, dryRun bool) (*Result, error) {
	if dryRun {
		rows, cols, err := readSize(fileBase)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: rows, Cols: cols, DryRun: true}, nil
	}
	if err := checkOutputs(fileBase, formats, f.logger); err != nil {
		return nil, err
	}
	return &Result{FileBase: fileBase}, nil
}

// fitRemotely submits the fit as one standard dispatch call in a single
// batch job and, unless detached, fetches its result. The whole config set
// travels as one chunk so the remote side performs exactly one fit.
func (f *Fitter) fitRemotely(ctx context.Context, profile *dispatch.RemoteProfile,
	configs workset.InputSet, opts Options) (*Result, error) {

	if f.broker == nil {
		return nil, sdkerrors.NewError("NO_BROKER",
			"remote profile resolved but fitter has no broker", sdkerrors.ErrInvalidArgument)
	}

	// Configs go into memory so they can be staged with the job.
	items, err := configs.Materialize(ctx)
	if err != nil {
		return nil, err
	}

	// The bundled options carry the ignore sentinel: the fit running
	// inside the job must never submit another remote job. The cache
	// probe is also disabled, the submission-side dedup already covers
	// redone work.
	bundled := opts
	bundled.Remote = dispatch.IgnoreRemote()
	bundled.SkipIfPresent = false
	args := dispatch.Args{Keyword: map[string]interface{}{"options": bundled}}

	chunkSize := len(items)
	if chunkSize < 1 {
		chunkSize = 1
	}
	encoded, err := dispatch.EncodeCall(OperationName, args, items, chunkSize,
		dispatch.PositionalSlot(0), false)
	if err != nil {
		return nil, err
	}

	hash, err := dispatch.CallHash(OperationName, args, items, nil)
	if err != nil {
		return nil, err
	}

	jobName := profile.JobName
	if jobName == "" {
		jobName = "fit_" + opts.Name
	}

	// The run dir contains only artifacts of this fit, so the whole
	// directory stages back with the result.
	outputFiles := append([]string{}, profile.OutputFiles...)
	outputFiles = append(outputFiles, opts.RunDir)

	bundle := broker.NewBundle(jobName, OperationName).
		WithArgs(encoded).
		WithHash(hash).
		WithCommands(profile.PreCmds, profile.PostCmds).
		WithEnv(profile.EnvVars).
		WithFiles(append([]string{}, profile.InputFiles...), outputFiles).
		WithTarget(profile.SysName, profile.Resources, profile.HeaderExtra,
			profile.ExactResources, profile.PartialNode)

	handle, err := f.broker.Submit(ctx, bundle)
	if err != nil {
		return nil, sdkerrors.NewError("SUBMIT_FAILED", "broker rejected fit bundle", err)
	}
	f.logger.Info("submitted remote fit", zap.String("job_id", handle.ID()), zap.String("name", opts.Name))

	if !opts.WaitForResults {
		return nil, nil
	}

	timeout := profile.Timeout.Std()
	if timeout <= 0 {
		timeout = time.Hour
	}
	interval := profile.CheckInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	result, err := f.broker.WaitForResult(ctx, handle, timeout, interval)
	if err != nil {
		return nil, sdkerrors.NewError("JOB_INCOMPLETE", "remote fit did not produce a result", err)
	}

	_, _ = os.Stdout.WriteString(result.Stdout)
	_, _ = os.Stderr.WriteString(result.Stderr)

	// The payload is the merged dispatch output: one result per chunk,
	// and the fit runs as a single chunk.
	var fitResults []Result
	if err := json.Unmarshal(result.Payload, &fitResults); err != nil || len(fitResults) == 0 {
		return nil, sdkerrors.NewError("RESULT_DECODE_FAILED",
			"completed fit returned unreadable result data", sdkerrors.ErrResultUnreadable)
	}

	if err := f.broker.MarkProcessed(ctx, handle); err != nil {
		return nil, sdkerrors.NewError("MARK_PROCESSED_FAILED", "cannot mark remote fit as processed", err)
	}
	return &fitResults[0], nil
}

// applyRemoteCall is the registered operation body executed inside a
// remote job: the chunk holds the fitting configurations and the keyword
// arguments carry the bundled options.
func (f *Fitter) applyRemoteCall(ctx context.Context, args dispatch.Args) ([]interface{}, error) {
	raw, err := json.Marshal(args.Keyword["options"])
	if err != nil {
		return nil, sdkerrors.NewError("CALL_DECODE_FAILED", "cannot re-encode bundled fit options", err)
	}
	var opts Options
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, sdkerrors.NewError("CALL_DECODE_FAILED", "cannot decode bundled fit options", err)
	}
	if len(args.Positional) == 0 {
		return nil, sdkerrors.NewError("CALL_DECODE_FAILED",
			"bundled fit call carries no positional arguments", sdkerrors.ErrInvalidArgument)
	}
	chunk, ok := args.Positional[0].([]interface{})
	if !ok {
		return nil, sdkerrors.NewError("CALL_DECODE_FAILED",
			"bundled fit call carries no configurations", sdkerrors.ErrInvalidArgument)
	}
	result, err := f.Fit(ctx, workset.NewMemorySet(chunk...), opts)
	if err != nil {
		return nil, err
	}
	return []interface{}{*result}, nil
}

// fitLocally writes the fitting database, encodes the command line, and
// runs the external executable with its streams redirected to files.
func (f *Fitter) fitLocally(ctx context.Context, configs workset.InputSet, opts Options,
	fileBase string, formats []string) (*Result, error) {

	if err := os.MkdirAll(opts.RunDir, 0o755); err != nil {
		return nil, sdkerrors.NewError("RUN_DIR", fmt.Sprintf("cannot create run dir %q", opts.RunDir), err)
	}

	params := opts.Params.Clone()
	if opts.DryRun {
		params.Set("dry_run", cmdline.None())
	}
	params.Set(paramOutfileBase, cmdline.String(fileBase))
	params.Set(paramOutfileFormat, cmdline.Strings(formats...))

	// One key per reference property, repeated.
	params.SetRepeat("key", cmdline.Sequence(
		cmdline.Strings("E", opts.RefPropertyPrefix+"energy"),
		cmdline.Strings("F", opts.RefPropertyPrefix+"forces"),
		cmdline.Strings("V", opts.RefPropertyPrefix+"virial"),
	))

	// The executable reads its input from a file.
	dataFile, err := f.writeDatabase(ctx, configs, opts)
	if err != nil {
		return nil, err
	}
	params.Set(paramDataFile, cmdline.String(dataFile))

	if err := params.Require(paramOutfileBase, paramDataFile); err != nil {
		return nil, err
	}
	line, err := params.Encode()
	if err != nil {
		return nil, err
	}

	command := fmt.Sprintf("%s %s > %s.stdout 2> %s.stderr", opts.Exec, line, fileBase, fileBase)
	if opts.Verbose {
		f.logger.Info("fitting command", zap.String("command", command))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = f.childEnv()
	runErr := cmd.Run()

	// Captured output and error are surfaced to the caller whether the
	// run failed or not.
	f.echoFile(fileBase+".stdout", os.Stdout, "STDOUT ")
	f.echoFile(fileBase+".stderr", os.Stderr, "STDERR ")

	if runErr != nil {
		return nil, sdkerrors.NewError("FIT_EXEC_FAILED",
			fmt.Sprintf("fitting executable %q failed: %v", opts.Exec, runErr), sdkerrors.ErrExecFailed)
	}

	if opts.DryRun {
		rows, cols, err := readSize(fileBase)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: rows, Cols: cols, DryRun: true}, nil
	}

	// The run can fail without a non-zero exit; at least make sure the
	// output artifacts exist and are readable.
	if err := checkOutputs(fileBase, formats, f.logger); err != nil {
		return nil, err
	}
	return &Result{FileBase: fileBase}, nil
}

// writeDatabase materializes the fitting configurations into the run dir
// as the executable's input file.
func (f *Fitter) writeDatabase(ctx context.Context, configs workset.InputSet, opts Options) (string, error) {
	items, err := configs.Materialize(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", sdkerrors.NewError("DATABASE_ENCODE_FAILED", "cannot encode fitting configurations", err)
	}
	path := filepath.Join(opts.RunDir, fmt.Sprintf("fitting_database.%s.json", opts.Name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", sdkerrors.NewError("DATABASE_WRITE_FAILED",
			fmt.Sprintf("cannot write fitting database %q", path), err)
	}
	return path, nil
}

// childEnv is the executable's environment: the current process
// environment plus the configured thread counts.
func (f *Fitter) childEnv() []string {
	env := os.Environ()
	if f.cfg.Threads != "" {
		env = append(env, "OMP_NUM_THREADS="+f.cfg.Threads)
	}
	if f.cfg.BLASThreads != "" {
		env = append(env, "OPENBLAS_NUM_THREADS="+f.cfg.BLASThreads)
	}
	return env
}

func (f *Fitter) echoFile(path string, dst *os.File, prefix string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range splitLines(string(data)) {
		fmt.Fprintln(dst, prefix+line)
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
