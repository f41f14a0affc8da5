package runtime

import "codelab-engine/internal/policy"

const (
	defaultDSLInterpreter = "dslrun"
	defaultDSLImage       = "ghcr.io/codelab/dslrun:latest"
)

// dslRuntime runs the platform's exercise DSL through its standalone
// interpreter. The binary is expected on PATH (process backend) or baked into
// the image (containerd backend).
type dslRuntime struct {
	interpreter string
	image       string
}

func newDSLRuntime(interpreter, image string) *dslRuntime {
	if interpreter == "" {
		interpreter = defaultDSLInterpreter
	}
	if image == "" {
		image = defaultDSLImage
	}
	return &dslRuntime{interpreter: interpreter, image: image}
}

func (d *dslRuntime) Name() string { return policy.LangDSL }

func (d *dslRuntime) Command(codePath string) []string {
	return []string{d.interpreter, codePath}
}

func (d *dslRuntime) FileExtension() string { return ".dsl" }

func (d *dslRuntime) Image() string { return d.image }
