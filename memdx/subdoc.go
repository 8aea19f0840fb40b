package memdx

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// SubdocOpType identifies a single lookup/mutate-in sub-operation.
type SubdocOpType uint8

const (
	SubdocOpGet          SubdocOpType = 0xc5
	SubdocOpExists       SubdocOpType = 0xc6
	SubdocOpGetCount     SubdocOpType = 0xd2
	SubdocOpDictAdd      SubdocOpType = 0xc7
	SubdocOpDictUpsert   SubdocOpType = 0xc8
	SubdocOpDelete       SubdocOpType = 0xc9
	SubdocOpReplace      SubdocOpType = 0xca
	SubdocOpArrayPushLast  SubdocOpType = 0xcb
	SubdocOpArrayPushFirst SubdocOpType = 0xcc
	SubdocOpArrayInsert    SubdocOpType = 0xcd
	SubdocOpArrayAddUnique SubdocOpType = 0xce
	SubdocOpCounter        SubdocOpType = 0xcf
)

// SubdocOpFlag is a per-path flag (low bits of the path flags byte).
type SubdocOpFlag uint8

const (
	SubdocOpFlagNone         SubdocOpFlag = 0x00
	SubdocOpFlagXattr        SubdocOpFlag = 0x04
	SubdocOpFlagCreatePath   SubdocOpFlag = 0x10
	SubdocOpFlagExpandMacros SubdocOpFlag = 0x20
)

// SubdocDocFlag is a whole-document flag carried in the multi-op extras
// (spec.md §4.3.1).
type SubdocDocFlag uint8

const (
	SubdocDocFlagNone           SubdocDocFlag = 0x00
	SubdocDocFlagMkDoc          SubdocDocFlag = 0x01
	SubdocDocFlagAddDoc         SubdocDocFlag = 0x02
	SubdocDocFlagAccessDeleted  SubdocDocFlag = 0x04
	SubdocDocFlagCreateAsDeleted SubdocDocFlag = 0x08
	SubdocDocFlagReviveDocument SubdocDocFlag = 0x10
)

// Macro strings recognized server-side when SubdocOpFlagExpandMacros is set.
const (
	MacroMutationCAS        = "${Mutation.CAS}"
	MacroMutationValueCrc32 = "${Mutation.value_crc32c}"
	MacroDocumentCAS        = "${$document.CAS}"
)

// SubdocSpec is one element of a lookup-in/mutate-in request, addressed by
// its OriginalIndex so results can be re-projected into caller order after
// the xattr-first reordering spec.md §4.3.1 requires.
type SubdocSpec struct {
	Op            SubdocOpType
	Path          []byte
	Value         []byte
	Xattr         bool
	CreatePath    bool
	ExpandMacros  bool
	OriginalIndex int
}

// SubdocResult is one element of a lookup-in/mutate-in response, in the
// caller's original order.
type SubdocResult struct {
	Status Status
	Value  []byte
}

// OrderSpecs returns a copy of specs reordered so that xattr operations
// precede non-xattr operations, stable within each group, recording
// OriginalIndex on each entry so ReorderResults can restore caller order
// (spec.md §4.3.1).
func OrderSpecs(specs []SubdocSpec) []SubdocSpec {
	ordered := make([]SubdocSpec, len(specs))
	for i, s := range specs {
		s.OriginalIndex = i
		ordered[i] = s
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Xattr && !ordered[j].Xattr
	})
	return ordered
}

// ReorderResults projects results (in the same order as the ordered specs
// passed to EncodeSubdocMultiBody) back into the caller's original spec order.
func ReorderResults(orderedSpecs []SubdocSpec, results []SubdocResult) ([]SubdocResult, error) {
	if len(orderedSpecs) != len(results) {
		return nil, fmt.Errorf("memdx: subdoc result count mismatch (%d specs, %d results)", len(orderedSpecs), len(results))
	}
	out := make([]SubdocResult, len(results))
	for i, spec := range orderedSpecs {
		out[spec.OriginalIndex] = results[i]
	}
	return out, nil
}

func (s SubdocSpec) flagsByte() byte {
	var f byte
	if s.Xattr {
		f |= byte(SubdocOpFlagXattr)
	}
	if s.CreatePath {
		f |= byte(SubdocOpFlagCreatePath)
	}
	if s.ExpandMacros {
		f |= byte(SubdocOpFlagExpandMacros)
	}
	return f
}

// EncodeSubdocMultiBody packs ordered specs into the multi-op body layout
// from spec.md §4.3.1: `[op_code(1) | flags(1) | path_len(2) | value_len(4)? | path | value]`
// concatenated per spec. The value-length field is present for every
// mutate-in spec (0 when the spec has no value) and absent for lookup-in.
func EncodeSubdocMultiBody(specs []SubdocSpec, isMutation bool) []byte {
	var out []byte
	for _, s := range specs {
		out = append(out, byte(s.Op), s.flagsByte())
		pathLen := make([]byte, 2)
		binary.BigEndian.PutUint16(pathLen, uint16(len(s.Path)))
		out = append(out, pathLen...)
		if isMutation {
			valLen := make([]byte, 4)
			binary.BigEndian.PutUint32(valLen, uint32(len(s.Value)))
			out = append(out, valLen...)
		}
		out = append(out, s.Path...)
		if isMutation {
			out = append(out, s.Value...)
		}
	}
	return out
}

// DecodeSubdocLookupResults parses a multi-lookup response body: each result
// is `status(2) | value_len(4) | value`.
func DecodeSubdocLookupResults(body []byte, n int) ([]SubdocResult, error) {
	results := make([]SubdocResult, 0, n)
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("memdx: truncated subdoc lookup result")
		}
		status := Status(binary.BigEndian.Uint16(body[0:2]))
		valLen := int(binary.BigEndian.Uint32(body[2:6]))
		body = body[6:]
		if len(body) < valLen {
			return nil, fmt.Errorf("memdx: truncated subdoc lookup value")
		}
		results = append(results, SubdocResult{Status: status, Value: body[:valLen]})
		body = body[valLen:]
	}
	return results, nil
}

// DecodeSubdocMutationResults parses a multi-mutation response body. Every
// entry starts with `index(1) | status(2)`; a success-status entry then
// carries `value_len(4) | value` (e.g. a COUNTER result), a failure-status
// entry nothing more. Specs with no entry are reported as StatusSuccess.
func DecodeSubdocMutationResults(body []byte, specCount int) ([]SubdocResult, error) {
	results := make([]SubdocResult, specCount)
	for i := range results {
		results[i].Status = StatusSuccess
	}
	for len(body) > 0 {
		if len(body) < 3 {
			return nil, fmt.Errorf("memdx: truncated subdoc mutation result")
		}
		idx := int(body[0])
		status := Status(binary.BigEndian.Uint16(body[1:3]))
		body = body[3:]
		if idx < 0 || idx >= specCount {
			return nil, fmt.Errorf("memdx: subdoc mutation result index out of range: %d", idx)
		}
		results[idx].Status = status
		if status.IsSuccess() && len(body) >= 4 {
			valLen := int(binary.BigEndian.Uint32(body[0:4]))
			body = body[4:]
			if len(body) < valLen {
				return nil, fmt.Errorf("memdx: truncated subdoc mutation value")
			}
			results[idx].Value = body[:valLen]
			body = body[valLen:]
		}
	}
	return results, nil
}
