package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the configuration file name looked up by the CLI.
const DefaultFile = "lampbox.cue"

// CUEParser parses and validates lampbox configuration files.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	sr := NewSchemaRegistry()
	return &CUEParser{
		ctx:               sr.Context(),
		schemaRegistry:    sr,
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// Load parses the configuration at path. A missing file yields the default
// configuration; a file with errors is reported as one error.
func (cp *CUEParser) Load(ctx context.Context, path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parsed, err := cp.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid configuration %s:\n  %s", path, strings.Join(msgs, "\n  "))
	}
	return parsed.Config, nil
}

// Parse parses a CUE file, or every CUE file of a directory, against the
// lampbox schema.
func (cp *CUEParser) Parse(ctx context.Context, path string) (*ParsedConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	var (
		val   cue.Value
		files []string
		errs  []ValidationError
	)
	if info.IsDir() {
		val, files, errs = cp.loadDirectory(path)
	} else {
		val, errs = cp.loadFile(path)
		files = []string{path}
	}
	if len(errs) > 0 {
		return &ParsedConfig{SourceFiles: files, ParsedAt: time.Now(), Errors: errs}, nil
	}

	return cp.extractConfig(val, files), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig unifies val with the lampbox schema and decodes it.
func (cp *CUEParser) extractConfig(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	schema, _ := cp.schemaRegistry.GetSchema(SchemaLampbox)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	if err := cp.validator.Struct(cfg); err != nil {
		parsed.Errors = convertValidatorErrors(err)
		return parsed
	}

	parsed.Config = &cfg
	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		// Prefer the user's file over the schema it was unified with.
		for _, pos := range errors.Positions(e) {
			if file != "" && strings.HasPrefix(pos.Filename(), builtinPrefix) {
				continue
			}
			file = pos.Filename()
			line = pos.Line()
			column = pos.Column()
			if !strings.HasPrefix(file, builtinPrefix) {
				break
			}
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	return validationErrors
}

func convertValidatorErrors(err error) []ValidationError {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}

func fmtLocation(file string, line, column int) string {
	if column > 0 {
		return fmt.Sprintf("%s:%d:%d", file, line, column)
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// ValidateWithSchema validates data against a registered schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// Starlark returns the evaluator used for attribute scripts.
func (cp *CUEParser) Starlark() *StarlarkEvaluator {
	return cp.starlarkEvaluator
}

// ExportJSON renders a decoded configuration as indented JSON.
func ExportJSON(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// Resolve makes relative paths in cfg relative to the directory of the
// configuration file at path.
func Resolve(cfg *Config, path string) {
	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.SitesDir, &cfg.StateDB, &cfg.Attributes.Script} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	for i, p := range cfg.Policy.Paths {
		if !filepath.IsAbs(p) {
			cfg.Policy.Paths[i] = filepath.Join(base, p)
		}
	}
}

var (
	defaultOnce   sync.Once
	defaultConfig Config
)

// DefaultConfig returns the configuration an empty lampbox.cue produces.
func DefaultConfig() *Config {
	defaultOnce.Do(func() {
		parsed, err := NewCUEParser().ParseInline(context.Background(), "")
		if err != nil {
			panic(err)
		}
		if len(parsed.Errors) > 0 {
			panic(fmt.Sprintf("lampbox schema defaults do not decode: %v", parsed.Errors))
		}
		defaultConfig = *parsed.Config
	})

	cfg := defaultConfig
	cfg.System.Packages = append([]string(nil), defaultConfig.System.Packages...)
	cfg.System.Gems = append([]string(nil), defaultConfig.System.Gems...)
	cfg.System.ApacheModules = append([]string(nil), defaultConfig.System.ApacheModules...)
	cfg.Policy.Paths = append([]string(nil), defaultConfig.Policy.Paths...)
	return &cfg
}
