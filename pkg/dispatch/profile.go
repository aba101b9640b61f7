package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// RemoteProfile is the immutable configuration for one remote dispatch.
// It is created once per dispatch call by the resolver and owned by the
// remote backend for the duration of one job.
type RemoteProfile struct {
	// SysName names the target system the broker schedules on. Its
	// presence is what distinguishes a single inline profile from a
	// keyed profile table.
	SysName string `json:"sys_name"`

	// JobName is the scheduler-visible job name.
	JobName string `json:"job_name,omitempty"`

	// PreCmds and PostCmds are shell commands run around the job.
	PreCmds  []string `json:"pre_cmds,omitempty"`
	PostCmds []string `json:"post_cmds,omitempty"`

	// EnvVars are environment overrides applied inside the job.
	EnvVars map[string]string `json:"env_vars,omitempty"`

	// Resources is the compute request.
	Resources broker.Resources `json:"resources"`

	// InputFiles and OutputFiles are staged in and out of the job.
	InputFiles  []string `json:"input_files,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`

	// Timeout bounds the wait for results; CheckInterval is the polling
	// period while waiting.
	Timeout       broker.Duration `json:"timeout,omitempty"`
	CheckInterval broker.Duration `json:"check_interval,omitempty"`

	// HeaderExtra is extra scheduler header text.
	HeaderExtra string `json:"header_extra,omitempty"`

	// ExactResources requires the resource request matched exactly.
	ExactResources bool `json:"exact_resources,omitempty"`

	// PartialNode allows sharing a node with other jobs.
	PartialNode bool `json:"partial_node,omitempty"`
}

// RemoteInfo is the remote-execution request attached to one dispatch call.
// The zero value means "consult the configured default".
type RemoteInfo struct {
	// Profile, when set, is used directly without any resolution.
	Profile *RemoteProfile

	// Raw, when non-empty, is inline JSON (single profile or keyed
	// table) or the path of a file containing it.
	Raw string

	// Ignore is the recursion sentinel: a dispatch carrying it never
	// attempts remote execution, so a remotely running job cannot
	// spawn another remote job for the same work.
	Ignore bool
}

// IgnoreRemote returns the sentinel that forces local execution.
func IgnoreRemote() *RemoteInfo { return &RemoteInfo{Ignore: true} }

// profileTable is a profile table with its key order preserved; Go maps
// would otherwise destroy the first-match-wins contract.
type profileTable struct {
	keys     []string
	profiles map[string]*RemoteProfile
}

// Resolver decides, for one dispatch call, whether and how to run remotely.
type Resolver struct {
	defaultRaw string
	logger     *zap.Logger
}

// NewResolver creates a resolver with the given default remote-info value
// (normally Config.RemoteInfo). A nil logger disables diagnostics.
func NewResolver(defaultRaw string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{defaultRaw: defaultRaw, logger: logger}
}

// Resolve returns the remote profile for one dispatch call, or nil for
// local execution. Configuration ambiguity (unparseable values, no matching
// table key) resolves to local execution with a warning; only structurally
// invalid profile documents are errors.
func (r *Resolver) Resolve(info *RemoteInfo, path CallPath, label string) (*RemoteProfile, error) {
	if info != nil {
		if info.Ignore {
			return nil, nil
		}
		if info.Profile != nil {
			return info.Profile, nil
		}
		if info.Raw != "" {
			return r.resolveRaw(info.Raw, path, label)
		}
	}
	if r.defaultRaw == "" {
		return nil, nil
	}
	return r.resolveRaw(r.defaultRaw, path, label)
}

func (r *Resolver) resolveRaw(raw string, path CallPath, label string) (*RemoteProfile, error) {
	data := []byte(raw)
	filename := ""
	if json.Valid(data) {
		// A document that decodes to a bare string is a quoted
		// filename, not an inline profile.
		var name string
		if err := json.Unmarshal(data, &name); err == nil {
			filename = name
		}
	} else {
		// Not inline JSON, so it must be a filename; embedded
		// whitespace suggests a malformed inline value instead.
		if strings.ContainsAny(raw, " \t\n") {
			r.logger.Warn("remote info has whitespace but is not parseable as JSON, treating as filename",
				zap.String("value", raw))
		}
		filename = raw
	}
	if filename != "" {
		loaded, err := os.ReadFile(filename)
		if err != nil {
			return nil, sdkerrors.NewError("PROFILE_LOAD_FAILED",
				fmt.Sprintf("cannot read remote info file %q", filename), err)
		}
		data = loaded
	}
	return r.resolveDocument(data, path, label)
}

func (r *Resolver) resolveDocument(data []byte, path CallPath, label string) (*RemoteProfile, error) {
	if isSingleProfile(data) {
		var profile RemoteProfile
		if err := json.Unmarshal(data, &profile); err != nil {
			return nil, sdkerrors.NewError("PROFILE_DECODE_FAILED",
				"remote info is not a valid profile", err)
		}
		r.logger.Warn("remote info appears to be a single profile, using directly")
		return &profile, nil
	}

	table, err := decodeProfileTable(data)
	if err != nil {
		return nil, err
	}

	stack := path.Strings()
	for _, key := range table.keys {
		if label != "" && label == key {
			r.logger.Info("remote info matched key by label",
				zap.String("key", key), zap.String("label", label))
			return table.profiles[key], nil
		}
		ok, err := matchStackSuffix(key, stack)
		if err != nil {
			return nil, err
		}
		if ok {
			r.logger.Info("remote info matched key by call path",
				zap.String("key", key), zap.Strings("call_path", stack))
			return table.profiles[key], nil
		}
	}

	r.logger.Debug("no remote profile matched, running locally",
		zap.Strings("call_path", stack))
	return nil, nil
}

// isSingleProfile reports whether the document is a profile rather than a
// keyed table, recognized by the presence of the system-name key.
func isSingleProfile(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe["sys_name"]
	return ok
}

// decodeProfileTable decodes a keyed table preserving key order, so the
// first matching key in document order wins. Two keys matching with
// different specificity are deliberately not disambiguated by specificity.
func decodeProfileTable(data []byte) (*profileTable, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, sdkerrors.NewError("PROFILE_DECODE_FAILED", "remote info is not a JSON object", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, sdkerrors.NewError("PROFILE_DECODE_FAILED",
			"remote info must be a profile or a table of profiles", sdkerrors.ErrInvalidProfile)
	}

	table := &profileTable{profiles: make(map[string]*RemoteProfile)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, sdkerrors.NewError("PROFILE_DECODE_FAILED", "malformed profile table", err)
		}
		key := keyTok.(string)
		var profile RemoteProfile
		if err := dec.Decode(&profile); err != nil {
			return nil, sdkerrors.NewError("PROFILE_DECODE_FAILED",
				fmt.Sprintf("profile for key %q is invalid", key), err)
		}
		table.keys = append(table.keys, key)
		table.profiles[key] = &profile
	}
	return table, nil
}

// matchStackSuffix matches one table key against the innermost call-path
// entries. The key splits on commas into patterns; pattern i must match
// (anchored at the end) the i-th entry of the corresponding suffix of the
// path.
func matchStackSuffix(key string, stack []string) (bool, error) {
	patterns := strings.Split(key, ",")
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}
	if len(patterns) > len(stack) {
		return false, nil
	}
	suffix := stack[len(stack)-len(patterns):]
	for i, pattern := range patterns {
		re, err := regexp.Compile(pattern + "$")
		if err != nil {
			return false, sdkerrors.NewError("PROFILE_KEY_INVALID",
				fmt.Sprintf("profile table key %q is not a valid pattern", key), err)
		}
		if !re.MatchString(suffix[i]) {
			return false, nil
		}
	}
	return true, nil
}
