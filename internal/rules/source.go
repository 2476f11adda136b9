package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/load"
)

// Source produces the full rule set.
type Source interface {
	Rules(ctx context.Context, c *Compiler) ([]*Rule, error)
}

// DirSource loads every .cue file in a directory as one CUE package.
type DirSource struct {
	Dir string
}

// Rules compiles the directory. Any compile error fails the whole load so
// a broken edit never replaces a working snapshot with a partial one.
func (d DirSource) Rules(_ context.Context, c *Compiler) ([]*Rule, error) {
	info, err := os.Stat(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules directory: not a directory: %s", d.Dir)
	}
	files, err := filepath.Glob(filepath.Join(d.Dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: d.Dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load rules: no CUE instances in %s", d.Dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load rules: %w", formatCUEError(inst.Err, ""))
	}
	value := c.Context().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build rules: %w", formatCUEError(err, ""))
	}

	rules, errs := c.CompileValue(value)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

// TextSource compiles rules from in-memory source.
type TextSource struct {
	Name string
	Text string
}

// Rules compiles the text.
func (t TextSource) Rules(_ context.Context, c *Compiler) ([]*Rule, error) {
	name := t.Name
	if name == "" {
		name = "rules.cue"
	}
	rules, errs := c.CompileSource(name, t.Text)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}
