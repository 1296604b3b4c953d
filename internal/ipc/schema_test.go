package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrepRequestRoundTrip(t *testing.T) {
	req := &PrepRequest{
		Code:        []byte{0x00, 0x61, 0x73, 0x6d},
		PrepTimeout: 10 * time.Second,
		PrepKind:    PrepKindPrechecking,
		ExecutorParams: []ExecutorParam{
			{Name: "stack-size-limit", Value: []byte{0x01, 0x00, 0x00}},
			{Name: "precheck-heap-pages", Value: []byte{0x20}},
		},
	}
	got, err := DecodePrepRequest(EncodePrepRequest(req))
	require.NoError(t, err)
	require.Equal(t, req.Code, got.Code)
	require.Equal(t, req.PrepTimeout, got.PrepTimeout)
	require.Equal(t, req.PrepKind, got.PrepKind)
	require.Equal(t, req.ExecutorParams, got.ExecutorParams)
}

func TestPrepRequestUnknownFieldIsSkipped(t *testing.T) {
	req := &PrepRequest{Code: []byte("abc"), PrepTimeout: time.Second}
	enc := EncodePrepRequest(req)

	// Append a well-formed but unrecognized field before decoding: a
	// newer host sending a field this worker doesn't know about yet
	// must not break decoding of the fields it does know.
	enc = append(enc, 0x50, 0x05) // field 10, varint, value 5

	got, err := DecodePrepRequest(enc)
	require.NoError(t, err)
	require.Equal(t, req.Code, got.Code)
}

func TestPrepareResultOKRoundTrip(t *testing.T) {
	peak := uint64(4096)
	stats := PrepareStats{
		Memory: MemoryStats{
			Tracker:  &MemoryTrackerStats{PeakResidentKB: 2048, SamplesObserved: 12},
			MaxRSSKB: &peak,
		},
		CPUTimeElapsed: 3 * time.Second,
	}
	got, err := DecodePrepareResult(EncodePrepareResult(ResultOK(stats)))
	require.NoError(t, err)
	require.Nil(t, got.Err)
	require.NotNil(t, got.Stats)
	require.Equal(t, stats.CPUTimeElapsed, got.Stats.CPUTimeElapsed)
	require.Equal(t, *stats.Memory.MaxRSSKB, *got.Stats.Memory.MaxRSSKB)
	require.Equal(t, *stats.Memory.Tracker, *got.Stats.Memory.Tracker)
}

func TestPrepareResultOKWithAbsentMemoryStats(t *testing.T) {
	stats := PrepareStats{CPUTimeElapsed: time.Second}
	got, err := DecodePrepareResult(EncodePrepareResult(ResultOK(stats)))
	require.NoError(t, err)
	require.Nil(t, got.Stats.Memory.Tracker)
	require.Nil(t, got.Stats.Memory.MaxRSSKB)
}

func TestPrepareResultErrRoundTrip(t *testing.T) {
	want := NewPrepareError(ErrTimedOut, "child finished with unknown status")
	got, err := DecodePrepareResult(EncodePrepareResult(ResultErr(want)))
	require.NoError(t, err)
	require.Nil(t, got.Stats)
	require.Equal(t, want.Kind, got.Err.Kind)
	require.Equal(t, want.Message, got.Err.Message)
}

func TestChildResponseRoundTrip(t *testing.T) {
	artifact := CompiledArtifact{0xDE, 0xAD, 0xBE, 0xEF}
	mem := MemoryStats{MaxRSSKB: ptrU64(512)}
	got, err := DecodeChildResponse(EncodeChildResponse(ChildOK(artifact, mem)))
	require.NoError(t, err)
	require.Nil(t, got.Err)
	require.Equal(t, artifact, *got.Artifact)
	require.Equal(t, *mem.MaxRSSKB, *got.Memory.MaxRSSKB)
}

func TestChildResponseErrRoundTrip(t *testing.T) {
	want := NewPrepareError(ErrPanic, "fork failed")
	got, err := DecodeChildResponse(EncodeChildResponse(ChildErr(want)))
	require.NoError(t, err)
	require.Nil(t, got.Artifact)
	require.Equal(t, want.Kind, got.Err.Kind)
	require.Equal(t, want.Message, got.Err.Message)
}

func TestDecodeRejectsWrongSchemaVersion(t *testing.T) {
	enc := EncodePrepRequest(&PrepRequest{Code: []byte("x")})
	enc[0] = SchemaVersion + 1
	_, err := DecodePrepRequest(enc)
	require.Error(t, err)
}

func ptrU64(v uint64) *uint64 { return &v }
