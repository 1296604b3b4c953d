// Package compiler implements the compile primitive wrapper: it
// prevalidates a WebAssembly blob, compiles it to a native artifact, and —
// for Prechecking requests — constructs a runtime from the result as an
// extra instantiation gate. It performs no I/O and is the only caller of
// the underlying Engine.
package compiler

import (
	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
)

// Engine is the compile primitive this package wraps. The real WebAssembly
// compiler toolchain is linked in by whoever constructs the concrete
// Engine; this interface is the seam that keeps this package ignorant of
// which backend that is.
type Engine interface {
	// Prevalidate performs syntactic/structural checks on the raw blob,
	// returning the (possibly re-packaged) bytes the compiler should see,
	// or an error describing why the blob was rejected.
	Prevalidate(code []byte) ([]byte, error)

	// Compile produces native artifact bytes from a prevalidated blob
	// under the given executor parameters.
	Compile(blob []byte, params []ipc.ExecutorParam) (ipc.CompiledArtifact, error)

	// ConstructRuntime attempts to instantiate a runtime from compiled
	// artifact bytes. Only called for Prechecking requests.
	ConstructRuntime(artifact ipc.CompiledArtifact, params []ipc.ExecutorParam) error
}

// PrepareArtifact runs the prevalidate/compile/construct-runtime pipeline
// against req, returning a precisely classified *ipc.PrepareError on any
// failure.
func PrepareArtifact(engine Engine, req *ipc.PrepRequest) (ipc.CompiledArtifact, error) {
	blob, err := engine.Prevalidate(req.Code)
	if err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPrevalidation, "%v", err)
	}

	artifact, err := engine.Compile(blob, req.ExecutorParams)
	if err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPreparation, "%v", err)
	}

	if req.PrepKind == ipc.PrepKindPrechecking {
		if err := engine.ConstructRuntime(artifact, req.ExecutorParams); err != nil {
			return nil, ipc.NewPrepareError(ipc.ErrRuntimeConstruction, "%v", err)
		}
	}

	return artifact, nil
}
