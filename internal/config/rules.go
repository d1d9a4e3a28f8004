package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/ltth/actuator/internal/mapping"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/safety"
)

//go:embed rules.cue
var rulesSchema string

// Rules is the decoded rules file. Limits absent from the file keep their
// safety.DefaultLimits value. Mappings and patterns are not semantically
// validated here; the engines' Reload skips bad entries individually.
type Rules struct {
	Limits   safety.Limits     `yaml:"limits"`
	Mappings []mapping.Mapping `yaml:"mappings"`
	Patterns []pattern.Pattern `yaml:"patterns"`
}

// Rules error codes.
const (
	ErrCodeRead          = "READ_ERROR"
	ErrCodeParse         = "PARSE_ERROR"
	ErrCodeSchema        = "SCHEMA_ERROR"
	ErrCodeInvalidLimits = "INVALID_LIMITS"
)

// RulesError describes why a rules file was refused.
type RulesError struct {
	Code    string
	Path    string // dotted field path, if known
	Message string
	Pos     token.Pos
	Err     error // underlying I/O error for READ_ERROR
}

func (e *RulesError) Error() string {
	var b strings.Builder
	if e.Pos.IsValid() {
		b.WriteString(e.Pos.String())
		b.WriteString(": ")
	}
	b.WriteString(e.Code)
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *RulesError) Unwrap() error {
	return e.Err
}

// LoadRules reads and parses the rules file at path.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RulesError{Code: ErrCodeRead, Message: err.Error(), Err: err}
	}
	return ParseRules(path, data)
}

// ParseRules validates data against the rules schema and decodes it.
// filename is used only for error positions.
func ParseRules(filename string, data []byte) (*Rules, error) {
	rules := &Rules{Limits: safety.DefaultLimits()}
	if len(bytes.TrimSpace(data)) == 0 {
		return rules, nil
	}

	if err := checkSchema(filename, data); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, &RulesError{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := rules.Limits.Validate(); err != nil {
		return nil, &RulesError{Code: ErrCodeInvalidLimits, Path: "limits", Message: err.Error()}
	}
	return rules, nil
}

func checkSchema(filename string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(rulesSchema, cue.Filename("rules.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile rules schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Rules"))

	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return formatCUEError(ErrCodeParse, filename, err)
	}
	doc := ctx.BuildFile(f)
	if err := doc.Err(); err != nil {
		return formatCUEError(ErrCodeParse, filename, err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(ErrCodeSchema, filename, err)
	}
	return nil
}

// formatCUEError reports the first CUE error, preferring a position inside
// the rules file over one inside the schema.
func formatCUEError(code, filename string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &RulesError{Code: code, Message: err.Error()}
	}
	first := errs[0]

	rerr := &RulesError{
		Code:    code,
		Path:    strings.Join(first.Path(), "."),
		Message: first.Error(),
	}
	positions := errors.Positions(first)
	for _, p := range positions {
		if p.Filename() == filename {
			rerr.Pos = p
			return rerr
		}
	}
	if len(positions) > 0 {
		rerr.Pos = positions[0]
	}
	return rerr
}
