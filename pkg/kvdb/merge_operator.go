package kvdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// MergeOperator combines a stored value with a merge operand. Merge is applied
// eagerly at write time inside a single engine transaction, so implementations
// must be deterministic and associative in the operand sequence.
type MergeOperator interface {
	// Name identifies the operator in the persisted family record.
	Name() string
	// Merge returns the new value for key. existing is nil when hasExisting is
	// false.
	Merge(key, existing []byte, hasExisting bool, operand []byte) ([]byte, error)
}

var (
	mergeOperatorsMu sync.RWMutex
	mergeOperators   = map[string]MergeOperator{}
)

// RegisterMergeOperator makes op resolvable by name when a database holding
// families configured with it is reopened.
func RegisterMergeOperator(op MergeOperator) {
	mergeOperatorsMu.Lock()
	defer mergeOperatorsMu.Unlock()
	mergeOperators[op.Name()] = op
}

// LookupMergeOperator returns the registered operator with the given name.
func LookupMergeOperator(name string) (MergeOperator, bool) {
	mergeOperatorsMu.RLock()
	defer mergeOperatorsMu.RUnlock()
	op, ok := mergeOperators[name]
	return op, ok
}

func init() {
	RegisterMergeOperator(StringAppendOperator{Delimiter: ","})
	RegisterMergeOperator(Uint64AddOperator{})
}

// StringAppendOperator appends operands to the existing value separated by
// Delimiter.
type StringAppendOperator struct {
	Delimiter string
}

// Name is the registered operator name.
func (StringAppendOperator) Name() string { return "stringappend" }

// Merge appends operand, or returns it unchanged when nothing is stored.
func (o StringAppendOperator) Merge(_, existing []byte, hasExisting bool, operand []byte) ([]byte, error) {
	if !hasExisting {
		return bytes.Clone(operand), nil
	}
	out := make([]byte, 0, len(existing)+len(o.Delimiter)+len(operand))
	out = append(out, existing...)
	out = append(out, o.Delimiter...)
	out = append(out, operand...)
	return out, nil
}

// Uint64AddOperator treats values as 8-byte little-endian counters.
type Uint64AddOperator struct{}

// Name is the registered operator name.
func (Uint64AddOperator) Name() string { return "uint64add" }

// Merge adds operand to the stored counter, treating a missing value as zero.
// Values or operands that are not 8 bytes are rejected.
func (Uint64AddOperator) Merge(key, existing []byte, hasExisting bool, operand []byte) ([]byte, error) {
	if len(operand) != 8 {
		return nil, fmt.Errorf("uint64add operand for %q must be 8 bytes, got %d", key, len(operand))
	}
	var base uint64
	if hasExisting {
		if len(existing) != 8 {
			return nil, fmt.Errorf("uint64add existing value for %q must be 8 bytes, got %d", key, len(existing))
		}
		base = binary.LittleEndian.Uint64(existing)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, base+binary.LittleEndian.Uint64(operand))
	return out, nil
}

// EncodeUint64 encodes v as a uint64add operand or value.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

// DecodeUint64 decodes a value written through Uint64AddOperator.
func DecodeUint64(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
