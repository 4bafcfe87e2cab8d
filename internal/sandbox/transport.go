package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/open-feature-forking/flagd-evaluator/internal/evaluation"
	"github.com/open-feature-forking/flagd-evaluator/internal/snapshot"
	"github.com/open-feature-forking/flagd-evaluator/internal/targeting"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

const (
	// maxFlagKeySize bounds the pre-allocated flag-key buffer.
	maxFlagKeySize = 256
	// maxContextSize bounds the pre-allocated context buffer.
	maxContextSize = 1 << 20
)

// ErrClosed is returned after the transport released its module.
var ErrClosed = errors.New("sandbox transport closed")

// ErrFlagKeyTooLarge is returned when a flag key exceeds the
// pre-allocated key buffer.
var ErrFlagKeyTooLarge = errors.New("flag key exceeds pre-allocated buffer")

// ErrContextTooLarge is returned when the serialized context exceeds the
// pre-allocated context buffer.
var ErrContextTooLarge = errors.New("serialized context exceeds pre-allocated buffer")

// Transport drives a Module from the host side. All calls are serialized
// under one transport-wide lock because the module's allocator is not
// re-entrant. The transport keeps the host-side caches populated from the
// last state-update result: the pre-evaluation cache, the per-flag
// required-key sets used to filter contexts before serialization, and the
// flag-index table enabling the positional fast path.
type Transport struct {
	mu     sync.Mutex
	module *Module
	closed bool

	keyBuf uint32
	ctxBuf uint32

	preEvaluated map[string]evaluation.Result
	requiredKeys map[string][]string
	flagIndices  map[string]int
}

// NewTransport instantiates a module against the given host imports and
// pre-allocates the per-call buffers.
func NewTransport(host Host) (*Transport, error) {
	t := &Transport{}
	err := t.call(func() {
		t.module = NewModule(host)
		t.keyBuf = t.module.Alloc(maxFlagKeySize)
		t.ctxBuf = t.module.Alloc(maxContextSize)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// call runs fn under the lock, translating module traps into errors.
func (t *Transport) call(fn func()) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if tr, ok := r.(*Trap); ok {
				err = tr
				return
			}
			panic(r)
		}
	}()
	if t.closed {
		return ErrClosed
	}
	fn()
	return nil
}

// Close releases the pre-allocated buffers. Further calls fail with
// ErrClosed.
func (t *Transport) Close() error {
	return t.call(func() {
		t.module.Dealloc(t.keyBuf, maxFlagKeySize)
		t.module.Dealloc(t.ctxBuf, maxContextSize)
		t.closed = true
	})
}

// SetValidationMode forwards the validation mode to the module.
func (t *Transport) SetValidationMode(mode uint32) error {
	return t.call(func() {
		t.module.SetValidationMode(mode)
	})
}

// UpdateState ships a JSON configuration into the module and refreshes
// the host-side caches from the returned result.
func (t *Transport) UpdateState(config []byte) (snapshot.UpdateResult, error) {
	var result snapshot.UpdateResult
	err := t.call(func() {
		ptr := t.module.Alloc(uint32(len(config)))
		t.module.WriteMemory(ptr, config)
		packed := t.module.UpdateState(ptr, uint32(len(config)))
		t.module.Dealloc(ptr, uint32(len(config)))

		payload := t.copyResult(packed)
		if err := decodeJSON(payload, &result); err != nil {
			trap("undecodable update result: %v", err)
		}
	})
	if err != nil {
		return snapshot.UpdateResult{}, err
	}

	for key, pre := range result.PreEvaluated {
		pre.Value = values.Normalize(pre.Value)
		if pre.FlagMetadata != nil {
			pre.FlagMetadata = values.Normalize(pre.FlagMetadata).(map[string]any)
		}
		result.PreEvaluated[key] = pre
	}
	t.mu.Lock()
	t.preEvaluated = result.PreEvaluated
	t.requiredKeys = result.RequiredContextKeys
	t.flagIndices = result.FlagIndices
	t.mu.Unlock()
	return result, nil
}

// Evaluate resolves one flag through the sandbox: pre-evaluated flags
// never cross the boundary, filtered contexts keep the serialized payload
// minimal, and known indices take the positional export.
func (t *Transport) Evaluate(flagKey string, ctx map[string]any) (evaluation.Result, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return evaluation.Result{}, ErrClosed
	}
	if cached, ok := t.preEvaluated[flagKey]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	required, filtered := t.requiredKeys[flagKey]
	index, indexed := t.flagIndices[flagKey]
	t.mu.Unlock()

	useIndex := indexed && filtered
	if !useIndex && len(flagKey) > maxFlagKeySize {
		return evaluation.Result{}, fmt.Errorf("%w: %d bytes", ErrFlagKeyTooLarge, len(flagKey))
	}

	ctxBytes, err := serializeContext(ctx, required, filtered)
	if err != nil {
		return evaluation.Result{}, err
	}
	if len(ctxBytes) > maxContextSize {
		return evaluation.Result{}, fmt.Errorf("%w: %d bytes", ErrContextTooLarge, len(ctxBytes))
	}

	var result evaluation.Result
	callErr := t.call(func() {
		ctxPtr, ctxLen := uint32(0), uint32(0)
		if len(ctxBytes) > 0 {
			t.module.WriteMemory(t.ctxBuf, ctxBytes)
			ctxPtr, ctxLen = t.ctxBuf, uint32(len(ctxBytes))
		}

		var packed uint64
		if useIndex {
			packed = t.module.EvaluateByIndex(uint32(index), ctxPtr, ctxLen)
		} else {
			t.module.WriteMemory(t.keyBuf, []byte(flagKey))
			packed = t.module.EvaluateReusable(t.keyBuf, uint32(len(flagKey)), ctxPtr, ctxLen)
		}

		if err := decodeJSON(t.copyResult(packed), &result); err != nil {
			trap("undecodable evaluation result: %v", err)
		}
	})
	if callErr != nil {
		return evaluation.Result{}, callErr
	}
	result.Value = values.Normalize(result.Value)
	if result.FlagMetadata != nil {
		result.FlagMetadata = values.Normalize(result.FlagMetadata).(map[string]any)
	}
	return result, nil
}

// copyResult reads a packed result blob out of module memory and releases
// the module-side allocation. Must run inside call.
func (t *Transport) copyResult(packed uint64) []byte {
	ptr, length := Unpack(packed)
	payload := t.module.ReadMemory(ptr, length)
	t.module.Dealloc(ptr, length)
	return payload
}

// serializeContext builds the JSON context payload. With a required-key
// set, only the listed caller attributes plus targetingKey are shipped;
// engine-injected $flagd keys never cross the boundary (the module always
// overwrites them). Without a key set the full context is shipped.
func serializeContext(ctx map[string]any, required []string, filtered bool) ([]byte, error) {
	if len(ctx) == 0 && !filtered {
		return nil, nil
	}

	payload := make(map[string]any)
	if filtered {
		for _, key := range required {
			if key == targeting.TargetingKey || strings.HasPrefix(key, evaluation.FlagdProperties) {
				continue
			}
			if v, ok := ctx[key]; ok {
				payload[key] = v
			}
		}
	} else {
		for k, v := range ctx {
			if strings.HasPrefix(k, evaluation.FlagdProperties) {
				continue
			}
			payload[k] = v
		}
	}
	if v, ok := ctx[targeting.TargetingKey]; ok {
		payload[targeting.TargetingKey] = v
	} else {
		payload[targeting.TargetingKey] = ""
	}
	return json.Marshal(payload)
}

// decodeJSON unmarshals through json.Number so integral numbers keep the
// integer tag after normalization.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
