package config

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// ValidationError is one problem found while parsing or validating a
// configuration file.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return e.Message
}

// Parser loads CUE configuration files.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser with the builtin schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(builtinConfigSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("cannot compile config schema: %w", err)
	}
	return &Parser{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(),
	}, nil
}

// Load parses and validates the configuration file at path. When root_dir
// is relative or absent it defaults to the config file's parent directory's
// parent, matching the config/verge.cue layout.
func (p *Parser) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	cfg, errs := p.ParseString(string(content), path)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", errs[0].Error())
	}

	if cfg.RootDir == "" || !filepath.IsAbs(cfg.RootDir) {
		base := filepath.Dir(filepath.Dir(path))
		if cfg.RootDir == "" {
			cfg.RootDir = base
		} else {
			cfg.RootDir = filepath.Join(base, cfg.RootDir)
		}
	}
	cfg.applyDefaults()

	if err := p.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseString compiles CUE content, unifies it with the builtin schema and
// decodes it into a Config.
func (p *Parser) ParseString(content, filename string) (*Config, []ValidationError) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, convertCUEErrors(err)
	}
	return &cfg, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
