package compiler

import (
	"errors"
	"fmt"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
)

var (
	wasmMagic   = [4]byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"
	wasmVersion = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// maxKnownSectionID is the highest section id the WebAssembly core spec
// defines (0 = custom, 1-12 = standard sections). Anything above it
// cannot be a well-formed module.
const maxKnownSectionID = 12

// StructuralEngine is the production Engine adapter. It does not itself
// compile WebAssembly to native code — that toolchain is injected as
// NativeCompile. What this type owns is the prevalidation gate and the
// precheck instantiation gate around whatever compiler is plugged in.
type StructuralEngine struct {
	// NativeCompile produces artifact bytes from a prevalidated blob. In
	// production this is backed by the host's WebAssembly compiler
	// engine; nil is only valid when every request is Prevalidation-only
	// (e.g. a prevalidation-fuzzing harness).
	NativeCompile func(blob []byte, params []ipc.ExecutorParam) (ipc.CompiledArtifact, error)

	// NativeConstructRuntime attempts to instantiate a runtime from
	// already-compiled artifact bytes, for the Prechecking gate.
	NativeConstructRuntime func(artifact ipc.CompiledArtifact, params []ipc.ExecutorParam) error
}

// Prevalidate checks the WebAssembly binary header and top-level section
// structure: magic number, version, monotonically non-decreasing standard
// section ids (each standard section id may appear at most once, custom
// sections may appear anywhere), and that every declared section size fits
// within the remaining bytes. This is intentionally not a full WebAssembly
// validator (type-checking instruction bodies, etc.) — that belongs to the
// compiler engine itself; this is the narrow structural gate that runs
// before any bytes reach that engine.
func (e *StructuralEngine) Prevalidate(code []byte) ([]byte, error) {
	if len(code) < 8 {
		return nil, errors.New("truncated header: need at least 8 bytes")
	}
	var magic, version [4]byte
	copy(magic[:], code[0:4])
	copy(version[:], code[4:8])
	if magic != wasmMagic {
		return nil, fmt.Errorf("bad magic number %x", magic)
	}
	if version != wasmVersion {
		return nil, fmt.Errorf("unsupported version %x", version)
	}

	body := code[8:]
	lastStd := 0
	for len(body) > 0 {
		id := body[0]
		body = body[1:]
		size, n := decodeULEB128(body)
		if n <= 0 {
			return nil, errors.New("malformed section size varint")
		}
		body = body[n:]
		if uint64(len(body)) < size {
			return nil, fmt.Errorf("section id %d declares size %d exceeding remaining %d bytes", id, size, len(body))
		}
		if id > maxKnownSectionID {
			return nil, fmt.Errorf("unknown section id %d", id)
		}
		if id != 0 {
			if int(id) <= lastStd {
				return nil, fmt.Errorf("standard section id %d out of order after %d", id, lastStd)
			}
			lastStd = int(id)
		}
		body = body[size:]
	}
	return code, nil
}

func (e *StructuralEngine) Compile(blob []byte, params []ipc.ExecutorParam) (ipc.CompiledArtifact, error) {
	if e.NativeCompile == nil {
		return nil, errors.New("no native compiler configured")
	}
	return e.NativeCompile(blob, params)
}

func (e *StructuralEngine) ConstructRuntime(artifact ipc.CompiledArtifact, params []ipc.ExecutorParam) error {
	if e.NativeConstructRuntime == nil {
		return errors.New("no native runtime constructor configured")
	}
	return e.NativeConstructRuntime(artifact, params)
}

// decodeULEB128 decodes an unsigned LEB128 varint, as used by WebAssembly
// section sizes, returning (value, bytes consumed) or (0, -1) on a
// malformed or overlong encoding.
func decodeULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		byt := b[i]
		if shift >= 64 {
			return 0, -1
		}
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}
	return 0, -1
}
