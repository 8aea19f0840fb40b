// Package memdx implements the Couchbase binary memcached protocol: packet
// framing, opcodes, status codes, extended frames, and the operation
// encoders/decoders used by the KV client.
package memdx

// OpCode identifies a binary protocol operation.
type OpCode uint8

const (
	OpCodeGet          OpCode = 0x00
	OpCodeSet          OpCode = 0x01
	OpCodeAdd          OpCode = 0x02
	OpCodeReplace      OpCode = 0x03
	OpCodeDelete       OpCode = 0x04
	OpCodeIncrement    OpCode = 0x05
	OpCodeDecrement    OpCode = 0x06
	OpCodeNoop         OpCode = 0x0a
	OpCodeAppend       OpCode = 0x0e
	OpCodePrepend      OpCode = 0x0f
	OpCodeHello        OpCode = 0x1f
	OpCodeSASLListMechs OpCode = 0x20
	OpCodeSASLAuth     OpCode = 0x21
	OpCodeSASLStep     OpCode = 0x22
	OpCodeGetErrorMap  OpCode = 0xfe
	OpCodeSelectBucket OpCode = 0x89
	OpCodeGetClusterConfig OpCode = 0xb5
	OpCodeGetAndLock   OpCode = 0x94
	OpCodeGetAndTouch  OpCode = 0x1d
	OpCodeTouch        OpCode = 0x1c
	OpCodeUnlock       OpCode = 0x95
	OpCodeGetCollectionID OpCode = 0xbb
	OpCodeSubdocMultiLookup OpCode = 0xd0
	OpCodeSubdocMultiMutation OpCode = 0xd1
)

// String returns a human-readable opcode name, used in log lines.
func (c OpCode) String() string {
	switch c {
	case OpCodeGet:
		return "Get"
	case OpCodeSet:
		return "Set"
	case OpCodeAdd:
		return "Add"
	case OpCodeReplace:
		return "Replace"
	case OpCodeDelete:
		return "Delete"
	case OpCodeIncrement:
		return "Increment"
	case OpCodeDecrement:
		return "Decrement"
	case OpCodeNoop:
		return "Noop"
	case OpCodeAppend:
		return "Append"
	case OpCodePrepend:
		return "Prepend"
	case OpCodeHello:
		return "Hello"
	case OpCodeSASLListMechs:
		return "SASLListMechs"
	case OpCodeSASLAuth:
		return "SASLAuth"
	case OpCodeSASLStep:
		return "SASLStep"
	case OpCodeGetErrorMap:
		return "GetErrorMap"
	case OpCodeSelectBucket:
		return "SelectBucket"
	case OpCodeGetClusterConfig:
		return "GetClusterConfig"
	case OpCodeGetAndLock:
		return "GetAndLock"
	case OpCodeGetAndTouch:
		return "GetAndTouch"
	case OpCodeTouch:
		return "Touch"
	case OpCodeUnlock:
		return "Unlock"
	case OpCodeGetCollectionID:
		return "GetCollectionID"
	case OpCodeSubdocMultiLookup:
		return "SubdocMultiLookup"
	case OpCodeSubdocMultiMutation:
		return "SubdocMultiMutation"
	default:
		return "Unknown"
	}
}

// HelloFeature is a feature code exchanged during the HELLO handshake.
type HelloFeature uint16

const (
	HelloFeatureDatatype            HelloFeature = 0x01
	HelloFeatureSeqNo               HelloFeature = 0x04
	HelloFeatureXattr                HelloFeature = 0x06
	HelloFeatureXerror               HelloFeature = 0x07
	HelloFeatureSelectBucket         HelloFeature = 0x08
	HelloFeatureSnappy               HelloFeature = 0x0a
	HelloFeatureJSON                 HelloFeature = 0x0b
	HelloFeatureDuplex               HelloFeature = 0x0c
	HelloFeatureClusterMapNotify     HelloFeature = 0x0d
	HelloFeatureUnorderedExec        HelloFeature = 0x0e
	HelloFeatureDurations            HelloFeature = 0x0f
	HelloFeatureAltRequests          HelloFeature = 0x10
	HelloFeatureSyncReplication      HelloFeature = 0x11
	HelloFeatureCollections          HelloFeature = 0x12
	HelloFeatureCreateAsDeleted      HelloFeature = 0x17
	HelloFeaturePreserveExpiry       HelloFeature = 0x14
	HelloFeatureReplaceBodyWithXattr HelloFeature = 0x19
)
