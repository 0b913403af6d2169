package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/broker/pkg/engine"
)

// Parser reads broker configuration from CUE sources.
// A Parser is not safe for concurrent use.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser holding the compiled broker schema.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema, err := BrokerSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &Parser{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Load reads and unifies the given files and directories. Directories are
// loaded as CUE packages. With no sources the defaults are returned.
func (p *Parser) Load(ctx context.Context, sources ...string) (*Broker, error) {
	doc := p.ctx.CompileString("{}")

	var errs ValidationErrors
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val     cue.Value
			loadErr ValidationErrors
		)
		if info.IsDir() {
			val, loadErr = p.loadDirectory(source)
		} else {
			val, loadErr = p.loadFile(source)
		}
		if len(loadErr) > 0 {
			errs = append(errs, loadErr...)
			continue
		}
		doc = doc.Unify(val)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return p.decode(doc)
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(content string) (*Broker, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.decode(val)
}

// Default returns the configuration an empty document yields.
func (p *Parser) Default() (*Broker, error) {
	return p.ParseInline("")
}

// decode unifies doc with the schema, exports it and validates the result.
func (p *Parser) decode(doc cue.Value) (*Broker, error) {
	val := p.schema.Unify(doc)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	var cfg Broker
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := p.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg with struct tags and cross-field rules.
func (p *Parser) Validate(cfg *Broker) error {
	var errs ValidationErrors
	if err := p.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	names := make(map[string]bool, len(cfg.Clouds))
	for i, c := range cfg.Clouds {
		if names[c.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("clouds.%d.name", i),
				Message: fmt.Sprintf("cloud %q is declared twice", c.Name),
			})
		}
		names[c.Name] = true
	}
	if cfg.DefaultCloud != "" && !names[cfg.DefaultCloud] {
		errs = append(errs, ValidationError{
			Path:    "default_cloud",
			Message: fmt.Sprintf("cloud %q is not declared", cfg.DefaultCloud),
		})
	}

	for state := range cfg.Processors.Intervals {
		if !slices.Contains(engine.ProcessedStates, engine.OrderState(state)) {
			errs = append(errs, ValidationError{
				Path:    "processors.intervals." + state,
				Message: "no processor handles this state",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, ValidationErrors) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := p.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	return out
}
