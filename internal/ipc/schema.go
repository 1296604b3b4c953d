// Package ipc implements the length-framed, schema-encoded messages
// exchanged between the host and the worker (over the control socket) and
// between the worker and its sandbox child (over the response pipe).
//
// The schema is hand-rolled on top of protobuf's wire primitives
// (encoding/protowire): every field is an explicit, numbered, typed tag.
// This gives us protobuf's forward-compatible wire format (unknown fields
// are skipped, not rejected; optional fields are simply absent, never a
// sentinel value) without a protoc code-generation step for this small,
// stable message set.
package ipc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaVersion is prepended to every encoded message, distinct from the
// frame length prefix (Send/Recv), so that a future incompatible
// schema revision can be rejected cleanly instead of silently misparsed.
const SchemaVersion = 1

// PrepKind mirrors PrepareJobKind: Compilation is the ordinary path,
// Prechecking additionally requires the artifact to instantiate cleanly.
type PrepKind uint64

const (
	PrepKindCompilation PrepKind = 0
	PrepKindPrechecking PrepKind = 1
)

func (k PrepKind) String() string {
	if k == PrepKindPrechecking {
		return "Prechecking"
	}
	return "Compilation"
}

// ExecutorParam is one named, opaque codegen-affecting parameter. Keeping
// the value as raw bytes (rather than a fixed struct of known knobs) lets
// the wire schema absorb new parameters the host might add without a
// worker rebuild; an unknown name is preserved and re-encoded, never
// dropped.
type ExecutorParam struct {
	Name  string
	Value []byte
}

// PrepRequest is decoded from the single framed payload the host sends per
// request cycle.
type PrepRequest struct {
	Code           []byte
	ExecutorParams []ExecutorParam
	PrepTimeout    time.Duration
	PrepKind       PrepKind
}

// ErrorKind classifies a failed preparation. The point of detection
// classifies the failure exactly once, and that classification is never
// rewritten as it propagates to the host.
type ErrorKind uint64

const (
	ErrPrevalidation ErrorKind = iota
	ErrPreparation
	ErrRuntimeConstruction
	ErrTimedOut
	ErrPanic
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPrevalidation:
		return "Prevalidation"
	case ErrPreparation:
		return "Preparation"
	case ErrRuntimeConstruction:
		return "RuntimeConstruction"
	case ErrTimedOut:
		return "TimedOut"
	case ErrPanic:
		return "Panic"
	default:
		return "Unknown"
	}
}

// PrepareError is the classified failure returned to the host, or carried
// inside a ChildResponse across the pipe. It implements the error
// interface so it composes with ordinary Go error handling inside the
// worker.
type PrepareError struct {
	Kind    ErrorKind
	Message string
}

func (e *PrepareError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewPrepareError(kind ErrorKind, format string, args ...any) *PrepareError {
	return &PrepareError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MemoryTrackerStats is the aggregate the background sampler produces: a
// peak and a sample count over the compilation's lifetime. Only
// meaningful when the tracker actually ran.
type MemoryTrackerStats struct {
	PeakResidentKB   uint64
	SamplesObserved  uint64
}

// MemoryStats is a platform-conditional aggregate: both fields are
// pointers, since nil means "not supported on this platform" and that is
// a valid value the wire schema must represent without any side channel.
type MemoryStats struct {
	Tracker *MemoryTrackerStats
	MaxRSSKB *uint64
}

// PrepareStats is returned to the host on a successful preparation.
type PrepareStats struct {
	Memory         MemoryStats
	CPUTimeElapsed time.Duration
}

// CompiledArtifact is the opaque output of preparation: produced by the
// compiler, carried across the pipe, then written to disk by the
// supervisor. It never round-trips back into the worker.
type CompiledArtifact []byte

// ChildResponse is the single value the sandbox child writes to the pipe:
// either a successful artifact + memory stats, or a classified error.
type ChildResponse struct {
	Artifact *CompiledArtifact
	Memory   MemoryStats
	Err      *PrepareError
}

func ChildOK(artifact CompiledArtifact, mem MemoryStats) ChildResponse {
	return ChildResponse{Artifact: &artifact, Memory: mem}
}

func ChildErr(err *PrepareError) ChildResponse {
	return ChildResponse{Err: err}
}

// PrepareResult is the single value the worker sends back to the host:
// either PrepareStats or a PrepareError.
type PrepareResult struct {
	Stats *PrepareStats
	Err   *PrepareError
}

func ResultOK(stats PrepareStats) PrepareResult {
	return PrepareResult{Stats: &stats}
}

func ResultErr(err *PrepareError) PrepareResult {
	return PrepareResult{Err: err}
}

// --- wire field numbers ---
//
// Field numbers are never reused across schema revisions: retiring a field
// means leaving its number permanently unused, exactly as protobuf itself
// requires, so an old worker talking to a newer host (or vice versa) can
// skip fields it doesn't recognize instead of misinterpreting them.

const (
	fieldReqCode        = 1
	fieldReqTimeoutMS   = 2
	fieldReqKind        = 3
	fieldReqExecParam   = 4
	fieldExecParamName  = 1
	fieldExecParamValue = 2

	fieldErrKind = 1
	fieldErrMsg  = 2

	fieldMemTracker        = 1
	fieldMemMaxRSS         = 2
	fieldTrackerPeakKB     = 1
	fieldTrackerSamples    = 2

	fieldChildOK       = 1 // wraps a nested {artifact, memory} message
	fieldChildArtifact = 1 // nested inside fieldChildOK
	fieldChildMemory   = 2 // nested inside fieldChildOK
	fieldChildErr      = 3

	fieldStatsMemory = 1
	fieldStatsCPUMS  = 2

	fieldResultStats = 1
	fieldResultErr   = 2
)

// EncodePrepRequest serialises a PrepRequest to its versioned wire form.
func EncodePrepRequest(req *PrepRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReqCode, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Code)

	b = protowire.AppendTag(b, fieldReqTimeoutMS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.PrepTimeout/time.Millisecond))

	b = protowire.AppendTag(b, fieldReqKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.PrepKind))

	for _, p := range req.ExecutorParams {
		var pb []byte
		pb = protowire.AppendTag(pb, fieldExecParamName, protowire.BytesType)
		pb = protowire.AppendString(pb, p.Name)
		pb = protowire.AppendTag(pb, fieldExecParamValue, protowire.BytesType)
		pb = protowire.AppendBytes(pb, p.Value)

		b = protowire.AppendTag(b, fieldReqExecParam, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return withVersion(b)
}

// DecodePrepRequest parses the wire form produced by EncodePrepRequest.
func DecodePrepRequest(b []byte) (*PrepRequest, error) {
	b, err := stripVersion(b)
	if err != nil {
		return nil, err
	}
	req := &PrepRequest{}
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch num {
		case fieldReqCode:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errDecode("PrepRequest.code")
			}
			req.Code = append([]byte(nil), v...)
			b = b[n:]
		case fieldReqTimeoutMS:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errDecode("PrepRequest.prep_timeout_ms")
			}
			req.PrepTimeout = time.Duration(v) * time.Millisecond
			b = b[n:]
		case fieldReqKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errDecode("PrepRequest.prep_kind")
			}
			req.PrepKind = PrepKind(v)
			b = b[n:]
		case fieldReqExecParam:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errDecode("PrepRequest.executor_param")
			}
			p, err := decodeExecutorParam(v)
			if err != nil {
				return nil, err
			}
			req.ExecutorParams = append(req.ExecutorParams, p)
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return req, nil
}

func decodeExecutorParam(b []byte) (ExecutorParam, error) {
	var p ExecutorParam
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return p, err
		}
		b = b[n:]
		switch num {
		case fieldExecParamName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return p, errDecode("ExecutorParam.name")
			}
			p.Name = v
			b = b[n:]
		case fieldExecParamValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, errDecode("ExecutorParam.value")
			}
			p.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return p, err
			}
			b = b[n:]
		}
	}
	return p, nil
}

func encodePrepareError(e *PrepareError) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldErrKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Message != "" {
		b = protowire.AppendTag(b, fieldErrMsg, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	return b
}

func decodePrepareError(b []byte) (*PrepareError, error) {
	e := &PrepareError{}
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch num {
		case fieldErrKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errDecode("PrepareError.kind")
			}
			e.Kind = ErrorKind(v)
			b = b[n:]
		case fieldErrMsg:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errDecode("PrepareError.message")
			}
			e.Message = v
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return e, nil
}

func encodeMemoryStats(m MemoryStats) []byte {
	var b []byte
	if m.Tracker != nil {
		var tb []byte
		tb = protowire.AppendTag(tb, fieldTrackerPeakKB, protowire.VarintType)
		tb = protowire.AppendVarint(tb, m.Tracker.PeakResidentKB)
		tb = protowire.AppendTag(tb, fieldTrackerSamples, protowire.VarintType)
		tb = protowire.AppendVarint(tb, m.Tracker.SamplesObserved)

		b = protowire.AppendTag(b, fieldMemTracker, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	if m.MaxRSSKB != nil {
		b = protowire.AppendTag(b, fieldMemMaxRSS, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.MaxRSSKB)
	}
	return b
}

func decodeMemoryStats(b []byte) (MemoryStats, error) {
	var m MemoryStats
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return m, err
		}
		b = b[n:]
		switch num {
		case fieldMemTracker:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, errDecode("MemoryStats.tracker")
			}
			t, err := decodeTrackerStats(v)
			if err != nil {
				return m, err
			}
			m.Tracker = &t
			b = b[n:]
		case fieldMemMaxRSS:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errDecode("MemoryStats.max_rss_kb")
			}
			val := v
			m.MaxRSSKB = &val
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return m, err
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeTrackerStats(b []byte) (MemoryTrackerStats, error) {
	var t MemoryTrackerStats
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return t, err
		}
		b = b[n:]
		switch num {
		case fieldTrackerPeakKB:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, errDecode("MemoryTrackerStats.peak_resident_kb")
			}
			t.PeakResidentKB = v
			b = b[n:]
		case fieldTrackerSamples:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, errDecode("MemoryTrackerStats.samples_observed")
			}
			t.SamplesObserved = v
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return t, err
			}
			b = b[n:]
		}
	}
	return t, nil
}

// EncodeChildResponse serialises the single value the sandbox child writes
// to its pipe. No length prefix: the pipe is write-once and closed on
// exit, so EOF alone demarcates the message.
func EncodeChildResponse(r ChildResponse) []byte {
	var b []byte
	switch {
	case r.Err != nil:
		b = protowire.AppendTag(b, fieldChildErr, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePrepareError(r.Err))
	case r.Artifact != nil:
		var ob []byte
		ob = protowire.AppendTag(ob, fieldChildArtifact, protowire.BytesType)
		ob = protowire.AppendBytes(ob, *r.Artifact)
		ob = protowire.AppendTag(ob, fieldChildMemory, protowire.BytesType)
		ob = protowire.AppendBytes(ob, encodeMemoryStats(r.Memory))

		b = protowire.AppendTag(b, fieldChildOK, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	return withVersion(b)
}

// DecodeChildResponse parses the buffer read to EOF from the pipe.
func DecodeChildResponse(b []byte) (ChildResponse, error) {
	b, err := stripVersion(b)
	if err != nil {
		return ChildResponse{}, err
	}
	var r ChildResponse
	sawOK, sawErr := false, false
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return ChildResponse{}, err
		}
		b = b[n:]
		switch num {
		case fieldChildOK:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ChildResponse{}, errDecode("ChildResponse.ok")
			}
			artifact, mem, err := decodeChildOK(v)
			if err != nil {
				return ChildResponse{}, err
			}
			r.Artifact = &artifact
			r.Memory = mem
			sawOK = true
			b = b[n:]
		case fieldChildErr:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ChildResponse{}, errDecode("ChildResponse.err")
			}
			e, err := decodePrepareError(v)
			if err != nil {
				return ChildResponse{}, err
			}
			r.Err = e
			sawErr = true
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return ChildResponse{}, err
			}
			b = b[n:]
		}
	}
	if !sawOK && !sawErr {
		return ChildResponse{}, errDecode("ChildResponse: neither ok nor err present")
	}
	return r, nil
}

func decodeChildOK(b []byte) (CompiledArtifact, MemoryStats, error) {
	var artifact CompiledArtifact
	var mem MemoryStats
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, mem, err
		}
		b = b[n:]
		switch num {
		case fieldChildArtifact:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, mem, errDecode("ChildResponse.ok.artifact")
			}
			artifact = append(CompiledArtifact(nil), v...)
			b = b[n:]
		case fieldChildMemory:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, mem, errDecode("ChildResponse.ok.memory_stats")
			}
			m, err := decodeMemoryStats(v)
			if err != nil {
				return nil, mem, err
			}
			mem = m
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return nil, mem, err
			}
			b = b[n:]
		}
	}
	return artifact, mem, nil
}

// EncodePrepareResult serialises the value the worker sends back to the
// host over the framed control socket.
func EncodePrepareResult(r PrepareResult) []byte {
	var b []byte
	switch {
	case r.Err != nil:
		b = protowire.AppendTag(b, fieldResultErr, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePrepareError(r.Err))
	case r.Stats != nil:
		var sb []byte
		sb = protowire.AppendTag(sb, fieldStatsMemory, protowire.BytesType)
		sb = protowire.AppendBytes(sb, encodeMemoryStats(r.Stats.Memory))
		sb = protowire.AppendTag(sb, fieldStatsCPUMS, protowire.VarintType)
		sb = protowire.AppendVarint(sb, uint64(r.Stats.CPUTimeElapsed/time.Millisecond))

		b = protowire.AppendTag(b, fieldResultStats, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return withVersion(b)
}

// DecodePrepareResult parses the framed payload the host receives.
func DecodePrepareResult(b []byte) (PrepareResult, error) {
	b, err := stripVersion(b)
	if err != nil {
		return PrepareResult{}, err
	}
	var r PrepareResult
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return PrepareResult{}, err
		}
		b = b[n:]
		switch num {
		case fieldResultStats:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PrepareResult{}, errDecode("PrepareResult.stats")
			}
			stats, err := decodePrepareStats(v)
			if err != nil {
				return PrepareResult{}, err
			}
			r.Stats = &stats
			b = b[n:]
		case fieldResultErr:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PrepareResult{}, errDecode("PrepareResult.err")
			}
			e, err := decodePrepareError(v)
			if err != nil {
				return PrepareResult{}, err
			}
			r.Err = e
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return PrepareResult{}, err
			}
			b = b[n:]
		}
	}
	return r, nil
}

func decodePrepareStats(b []byte) (PrepareStats, error) {
	var s PrepareStats
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return s, err
		}
		b = b[n:]
		switch num {
		case fieldStatsMemory:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return s, errDecode("PrepareStats.memory")
			}
			m, err := decodeMemoryStats(v)
			if err != nil {
				return s, err
			}
			s.Memory = m
			b = b[n:]
		case fieldStatsCPUMS:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, errDecode("PrepareStats.cpu_time_ms")
			}
			s.CPUTimeElapsed = time.Duration(v) * time.Millisecond
			b = b[n:]
		default:
			n, err := skipField(num, typ, b)
			if err != nil {
				return s, err
			}
			b = b[n:]
		}
	}
	return s, nil
}

func withVersion(b []byte) []byte {
	return append([]byte{SchemaVersion}, b...)
}

func stripVersion(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, errDecode("missing schema version byte")
	}
	if b[0] != SchemaVersion {
		return nil, fmt.Errorf("ipc: unsupported schema version %d (worker understands %d)", b[0], SchemaVersion)
	}
	return b[1:], nil
}

func consumeTag(b []byte) (protowire.Number, protowire.Type, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, errDecode("malformed field tag")
	}
	return num, typ, n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, errDecode("malformed unknown field")
	}
	return n, nil
}

func errDecode(what string) error {
	return fmt.Errorf("ipc: decode error in %s", what)
}
