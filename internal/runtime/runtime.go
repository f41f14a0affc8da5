package runtime

import (
	"fmt"

	"codelab-engine/internal/policy"
)

// Runtime describes how to launch the interpreter for one language.
type Runtime interface {
	// Name returns the language identifier ("python" or "dsl").
	Name() string

	// Command returns the argv to run the given source file.
	Command(codePath string) []string

	// FileExtension returns the extension for materialized source files.
	FileExtension() string

	// Image returns the container image used by the containerd backend.
	Image() string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry builds a registry for the two supported languages. The DSL
// interpreter binary and container image are deployment-specific; empty
// values fall back to the defaults.
func NewRegistry(dslInterpreter, dslImage string) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime)}
	r.register(&pythonRuntime{})
	r.register(newDSLRuntime(dslInterpreter, dslImage))
	return r
}

func (r *Registry) register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s, %s)",
			language, policy.LangPython, policy.LangDSL)
	}
	return rt, nil
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	return langs
}
