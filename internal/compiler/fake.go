package compiler

import (
	"errors"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
)

// FakeEngine is an in-memory Engine used only by tests: it lets a test
// deterministically drive each of the Prevalidate / Compile /
// ConstructRuntime branches without a real compiler toolchain.
type FakeEngine struct {
	PrevalidateErr error
	CompileErr     error
	RuntimeErr     error

	// Artifact is returned by Compile when CompileErr is nil.
	Artifact ipc.CompiledArtifact
}

func (f *FakeEngine) Prevalidate(code []byte) ([]byte, error) {
	if f.PrevalidateErr != nil {
		return nil, f.PrevalidateErr
	}
	return code, nil
}

func (f *FakeEngine) Compile(blob []byte, _ []ipc.ExecutorParam) (ipc.CompiledArtifact, error) {
	if f.CompileErr != nil {
		return nil, f.CompileErr
	}
	if f.Artifact != nil {
		return f.Artifact, nil
	}
	return ipc.CompiledArtifact(append([]byte(nil), blob...)), nil
}

func (f *FakeEngine) ConstructRuntime(ipc.CompiledArtifact, []ipc.ExecutorParam) error {
	if f.RuntimeErr != nil {
		return f.RuntimeErr
	}
	return nil
}

// ErrFakeRuntimeConstruction is a canned error FakeEngine tests can assign
// to RuntimeErr for readability at call sites.
var ErrFakeRuntimeConstruction = errors.New("fake: runtime instantiation rejected module")
