package runtime

import "codelab-engine/internal/policy"

// pythonRuntime runs the general-purpose language with CPython.
type pythonRuntime struct{}

func (p *pythonRuntime) Name() string { return policy.LangPython }

func (p *pythonRuntime) Command(codePath string) []string {
	return []string{
		"python3",
		"-I", // isolated: ignore PYTHON* env vars and user site-packages
		"-u", // unbuffered output
		"-B", // no .pyc files in the sandbox dir
		codePath,
	}
}

func (p *pythonRuntime) FileExtension() string { return ".py" }

func (p *pythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }
