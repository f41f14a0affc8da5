package policy

import (
	"fmt"
	"time"
)

// Supported language identifiers. The runtime registry is the source of truth
// for what the engine can actually run; the policy decides what is enabled.
const (
	LangPython = "python"
	LangDSL    = "dsl"
)

// SecurityPolicy is the full set of ceilings and denied constructs governing
// every execution. A policy is immutable once published through a Store;
// in-flight executions keep the snapshot they started with.
type SecurityPolicy struct {
	MaxWallClock     time.Duration `yaml:"max_wall_clock" json:"max_wall_clock"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxOutputBytes   int64         `yaml:"max_output_bytes" json:"max_output_bytes"`
	MaxSourceBytes   int64         `yaml:"max_source_bytes" json:"max_source_bytes"`
	ForbiddenImports []string      `yaml:"forbidden_imports" json:"forbidden_imports"`
	ForbiddenCalls   []string      `yaml:"forbidden_calls" json:"forbidden_calls"`
	NetworkAllowed   bool          `yaml:"network_allowed" json:"network_allowed"`
	LanguagesEnabled []string      `yaml:"languages_enabled" json:"languages_enabled"`
}

// Default returns the policy applied when no explicit policy is configured.
func Default() *SecurityPolicy {
	return &SecurityPolicy{
		MaxWallClock:   30 * time.Second,
		MaxMemoryBytes: 128 << 20, // 128 MiB
		MaxOutputBytes: 1 << 10,   // 1 KiB
		MaxSourceBytes: 64 << 10,  // 64 KiB
		ForbiddenImports: []string{
			"os", "sys", "subprocess", "socket", "shutil",
			"ctypes", "importlib", "multiprocessing", "signal",
		},
		ForbiddenCalls: []string{
			"eval", "exec", "compile", "open", "__import__", "globals",
		},
		NetworkAllowed:   false,
		LanguagesEnabled: []string{LangPython, LangDSL},
	}
}

// Validate checks the policy's internal invariants: every numeric ceiling
// must be positive and at least one language must be enabled.
func (p *SecurityPolicy) Validate() error {
	if p.MaxWallClock <= 0 {
		return fmt.Errorf("max_wall_clock must be > 0, got %s", p.MaxWallClock)
	}
	if p.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_bytes must be > 0, got %d", p.MaxMemoryBytes)
	}
	if p.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be > 0, got %d", p.MaxOutputBytes)
	}
	if p.MaxSourceBytes <= 0 {
		return fmt.Errorf("max_source_bytes must be > 0, got %d", p.MaxSourceBytes)
	}
	if len(p.LanguagesEnabled) == 0 {
		return fmt.Errorf("languages_enabled must not be empty")
	}
	for _, lang := range p.LanguagesEnabled {
		if lang != LangPython && lang != LangDSL {
			return fmt.Errorf("unknown language %q in languages_enabled", lang)
		}
	}
	for _, tok := range p.ForbiddenImports {
		if tok == "" {
			return fmt.Errorf("forbidden_imports contains an empty token")
		}
	}
	for _, tok := range p.ForbiddenCalls {
		if tok == "" {
			return fmt.Errorf("forbidden_calls contains an empty token")
		}
	}
	return nil
}

// LanguageEnabled reports whether the policy permits the given language.
func (p *SecurityPolicy) LanguageEnabled(lang string) bool {
	for _, l := range p.LanguagesEnabled {
		if l == lang {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores publish clones so callers can never
// mutate the shared snapshot through a retained pointer.
func (p *SecurityPolicy) Clone() *SecurityPolicy {
	cp := *p
	cp.ForbiddenImports = append([]string(nil), p.ForbiddenImports...)
	cp.ForbiddenCalls = append([]string(nil), p.ForbiddenCalls...)
	cp.LanguagesEnabled = append([]string(nil), p.LanguagesEnabled...)
	return &cp
}
