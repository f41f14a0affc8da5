package runtime

import (
	"testing"

	"codelab-engine/internal/policy"
)

func TestRegistryGet(t *testing.T) {
	r := NewRegistry("", "")

	py, err := r.Get(policy.LangPython)
	if err != nil {
		t.Fatalf("Get(python): %v", err)
	}
	if py.FileExtension() != ".py" {
		t.Errorf("python extension = %q, want .py", py.FileExtension())
	}
	argv := py.Command("/work/main.py")
	if argv[0] != "python3" || argv[len(argv)-1] != "/work/main.py" {
		t.Errorf("python argv = %v", argv)
	}

	dsl, err := r.Get(policy.LangDSL)
	if err != nil {
		t.Fatalf("Get(dsl): %v", err)
	}
	if got := dsl.Command("/work/main.dsl"); got[0] != "dslrun" {
		t.Errorf("dsl argv = %v, want default interpreter dslrun", got)
	}

	if _, err := r.Get("fortran"); err == nil {
		t.Error("Get(fortran) should fail")
	}
}

func TestRegistryDSLOverrides(t *testing.T) {
	r := NewRegistry("/opt/dsl/bin/dslrun", "registry.local/dslrun:v2")
	dsl, err := r.Get(policy.LangDSL)
	if err != nil {
		t.Fatalf("Get(dsl): %v", err)
	}
	if got := dsl.Command("main.dsl")[0]; got != "/opt/dsl/bin/dslrun" {
		t.Errorf("interpreter = %q", got)
	}
	if dsl.Image() != "registry.local/dslrun:v2" {
		t.Errorf("image = %q", dsl.Image())
	}
}

func TestLanguages(t *testing.T) {
	langs := NewRegistry("", "").Languages()
	if len(langs) != 2 {
		t.Fatalf("Languages() = %v, want 2 entries", langs)
	}
}
