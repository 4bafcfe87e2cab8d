package sandbox

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/open-feature-forking/flagd-evaluator/internal/engine"
	"github.com/open-feature-forking/flagd-evaluator/internal/evaluation"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// Host is the import surface the module requires from its embedder: wall
// time for $flagd.timestamp and randomness for anything outside the
// deterministic bucketing path.
type Host interface {
	// UnixSeconds returns the wall clock in seconds since the epoch.
	UnixSeconds() int64
	// RandomFill fills b with random bytes.
	RandomFill(b []byte)
}

// SystemHost backs the host imports with the operating system.
type SystemHost struct{}

func (SystemHost) UnixSeconds() int64 { return time.Now().Unix() }

func (SystemHost) RandomFill(b []byte) {
	if _, err := rand.Read(b); err != nil {
		trap("host randomness unavailable: %v", err)
	}
}

// Pack combines a pointer and a length into the packed u64 return value.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Unpack splits a packed u64 into pointer and length.
func Unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// Module is the engine packaged behind the linear-memory ABI. Its exports
// mirror the compiled-module surface: alloc/dealloc, update_state,
// evaluate_reusable, evaluate_by_index and set_validation_mode. The
// module's allocator is not re-entrant, so all calls must be serialized
// by the embedding transport.
type Module struct {
	host       Host
	engine     *engine.Engine
	mem        *linearMemory
	instanceID string
}

// NewModule instantiates the engine with its host imports bound.
func NewModule(host Host) *Module {
	m := &Module{
		host:   host,
		engine: engine.New(host.UnixSeconds),
		mem:    newLinearMemory(),
	}
	var seed [32]byte
	host.RandomFill(seed[:])
	m.instanceID = hex.EncodeToString(seed[:8])
	return m
}

// InstanceID identifies this module instance in host diagnostics.
func (m *Module) InstanceID() string { return m.instanceID }

// Alloc reserves length bytes of linear memory and returns the offset.
func (m *Module) Alloc(length uint32) uint32 {
	return m.mem.alloc(length)
}

// Dealloc releases a block previously returned by Alloc or by a packed
// result.
func (m *Module) Dealloc(ptr, length uint32) {
	m.mem.dealloc(ptr, length)
}

// WriteMemory copies host data into module memory at ptr.
func (m *Module) WriteMemory(ptr uint32, data []byte) {
	m.mem.write(ptr, data)
}

// ReadMemory copies length bytes of module memory starting at ptr.
func (m *Module) ReadMemory(ptr, length uint32) []byte {
	return m.mem.read(ptr, length)
}

// SetValidationMode switches configuration parsing between strict (0) and
// permissive (1).
func (m *Module) SetValidationMode(mode uint32) {
	m.engine.SetPermissive(mode != 0)
}

// UpdateState consumes a JSON configuration blob from linear memory and
// returns a freshly allocated state-update result blob. The caller owns
// the returned block and must Dealloc it after copying.
func (m *Module) UpdateState(ptr, length uint32) uint64 {
	config := m.mem.read(ptr, length)
	result := m.engine.UpdateStateJSON(config)
	return m.packJSON(result)
}

// EvaluateReusable evaluates a flag by key. A zero-length context means
// the empty context.
func (m *Module) EvaluateReusable(keyPtr, keyLen, ctxPtr, ctxLen uint32) uint64 {
	key := string(m.mem.read(keyPtr, keyLen))
	ctx, ok := m.decodeContext(ctxPtr, ctxLen)
	if !ok {
		return m.packJSON(evaluation.Result{Reason: evaluation.ReasonError, ErrorCode: evaluation.ErrorGeneral})
	}
	return m.packJSON(m.engine.Evaluate(key, ctx))
}

// EvaluateByIndex evaluates a flag by its dense index, skipping the key
// lookup.
func (m *Module) EvaluateByIndex(index uint32, ctxPtr, ctxLen uint32) uint64 {
	ctx, ok := m.decodeContext(ctxPtr, ctxLen)
	if !ok {
		return m.packJSON(evaluation.Result{Reason: evaluation.ReasonError, ErrorCode: evaluation.ErrorGeneral})
	}
	return m.packJSON(m.engine.EvaluateByIndex(int(index), ctx))
}

func (m *Module) decodeContext(ptr, length uint32) (map[string]any, bool) {
	if length == 0 {
		return map[string]any{}, true
	}
	data := m.mem.read(ptr, length)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	ctx, ok := values.Normalize(raw).(map[string]any)
	return ctx, ok
}

// packJSON serializes v into a newly allocated block and packs its
// location.
func (m *Module) packJSON(v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		trap("result serialization failed: %v", err)
	}
	ptr := m.mem.alloc(uint32(len(data)))
	m.mem.write(ptr, data)
	return Pack(ptr, uint32(len(data)))
}
