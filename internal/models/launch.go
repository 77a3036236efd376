package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// LaunchSpec describes a single desired workflow invocation.
//
// The builder methods never modify the receiver; they return an updated copy
// whose slices are not shared with the original.
type LaunchSpec struct {
	Pipeline         string   `yaml:"pipeline" validate:"required"`
	RunName          string   `yaml:"run_name" validate:"required"`
	ComputeEnvID     string   `yaml:"compute_env_id"`
	WorkDir          string   `yaml:"work_dir"`
	Revision         string   `yaml:"revision"`
	Params           Params   `yaml:"params"`
	ConfigOverlay    string   `yaml:"config_overlay"`
	PreRunScript     string   `yaml:"pre_run_script"`
	Profiles         []string `yaml:"profiles"`
	UserSecrets      []string `yaml:"user_secrets"`
	WorkspaceSecrets []string `yaml:"workspace_secrets"`
	LabelIDs         []int64  `yaml:"label_ids"`
	Resume           bool     `yaml:"resume"`
	SessionID        string   `yaml:"session_id" validate:"required_if=Resume true"`
}

// Validate checks the fields required before any platform call is made.
func (s LaunchSpec) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &InvalidSpecError{Message: "validation failed", Cause: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	msg := "missing or invalid fields: " + strings.Join(fields, ", ")
	if slices.Contains(fields, "session_id") {
		msg += " (resume requires a session id)"
	}
	return &InvalidSpecError{Fields: fields, Message: msg, Cause: err}
}

func (s LaunchSpec) Clone() LaunchSpec {
	out := s
	out.Params = slices.Clone(s.Params)
	out.Profiles = slices.Clone(s.Profiles)
	out.UserSecrets = slices.Clone(s.UserSecrets)
	out.WorkspaceSecrets = slices.Clone(s.WorkspaceSecrets)
	out.LabelIDs = slices.Clone(s.LabelIDs)
	return out
}

// WithResume enables resume against an existing session.
func (s LaunchSpec) WithResume(sessionID string) (LaunchSpec, error) {
	if strings.TrimSpace(sessionID) == "" {
		return s, &InvalidSpecError{Fields: []string{"session_id"}, Message: "resume requires a session id"}
	}
	out := s.Clone()
	out.Resume = true
	out.SessionID = sessionID
	return out, nil
}

func (s LaunchSpec) WithRunName(name string) LaunchSpec {
	out := s.Clone()
	out.RunName = name
	return out
}

// FillIn copies compute environment defaults into fields the caller left
// empty. Values already set on the spec always win.
func (s LaunchSpec) FillIn(env ComputeEnvironment) LaunchSpec {
	out := s.Clone()
	if out.ComputeEnvID == "" {
		out.ComputeEnvID = env.ID
	}
	if out.WorkDir == "" {
		out.WorkDir = env.WorkDir
	}
	if out.PreRunScript == "" {
		out.PreRunScript = env.PreRunScript
	}
	return out
}

func (s LaunchSpec) AddLabels(ids ...int64) LaunchSpec {
	out := s.Clone()
	out.LabelIDs = dedup(append(out.LabelIDs, ids...))
	return out
}

// LaunchPayload is the body of the launch endpoint.
type LaunchPayload struct {
	Launch LaunchRequest `json:"launch"`
}

type LaunchRequest struct {
	ComputeEnvID     string   `json:"computeEnvId"`
	Pipeline         string   `json:"pipeline"`
	WorkDir          string   `json:"workDir"`
	RunName          string   `json:"runName"`
	Revision         string   `json:"revision,omitempty"`
	ConfigProfiles   []string `json:"configProfiles"`
	ConfigText       string   `json:"configText,omitempty"`
	PreRunScript     string   `json:"preRunScript,omitempty"`
	ParamsText       string   `json:"paramsText"`
	LabelIDs         []int64  `json:"labelIds"`
	UserSecrets      []string `json:"userSecrets"`
	WorkspaceSecrets []string `json:"workspaceSecrets"`
	PullLatest       bool     `json:"pullLatest"`
	StubRun          bool     `json:"stubRun"`
	Resume           bool     `json:"resume"`
	SessionID        string   `json:"sessionId,omitempty"`
}

// Payload serializes the spec for submission. The compute environment and
// work directory must have been resolved by this point.
func (s LaunchSpec) Payload() (LaunchPayload, error) {
	if err := s.Validate(); err != nil {
		return LaunchPayload{}, err
	}
	var missing []string
	if s.ComputeEnvID == "" {
		missing = append(missing, "compute_env_id")
	}
	if s.WorkDir == "" {
		missing = append(missing, "work_dir")
	}
	if len(missing) > 0 {
		return LaunchPayload{}, &InvalidSpecError{
			Fields:  missing,
			Message: "unresolved fields: " + strings.Join(missing, ", "),
		}
	}

	paramsText, err := json.Marshal(s.Params)
	if err != nil {
		return LaunchPayload{}, fmt.Errorf("encode params: %w", err)
	}

	req := LaunchRequest{
		ComputeEnvID:     s.ComputeEnvID,
		Pipeline:         s.Pipeline,
		WorkDir:          s.WorkDir,
		RunName:          s.RunName,
		Revision:         s.Revision,
		ConfigProfiles:   dedup(s.Profiles),
		ConfigText:       s.ConfigOverlay,
		PreRunScript:     s.PreRunScript,
		ParamsText:       string(paramsText),
		LabelIDs:         dedup(s.LabelIDs),
		UserSecrets:      dedup(s.UserSecrets),
		WorkspaceSecrets: dedup(s.WorkspaceSecrets),
	}
	if s.Resume {
		req.Resume = true
		req.SessionID = s.SessionID
	}
	return LaunchPayload{Launch: req}, nil
}

// Param is one entry of an ordered parameter document.
type Param struct {
	Key   string
	Value any
}

// Params keeps parameters in insertion order so the serialized document is
// stable across launches.
type Params []Param

func (p Params) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of an existing key in place or appends a new one.
func (p Params) Set(key string, value any) Params {
	out := slices.Clone(p)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{Key: key, Value: value})
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("params must be a mapping (line %d)", node.Line)
	}
	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("param %q: %w", node.Content[i].Value, err)
		}
		out = out.Set(node.Content[i].Value, value)
	}
	*p = out
	return nil
}

// dedup drops repeated items, keeping first-seen order. It never returns nil
// so empty sets serialize as [].
func dedup[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
