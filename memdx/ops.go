package memdx

import "encoding/binary"

// OpsCore encodes the request packets for the core KV operation surface
// (spec.md §4.3). It holds no state; every method is a pure encoder that
// returns a Packet ready for Dispatcher.Dispatch.
type OpsCore struct {
	// CollectionID, when CollectionsEnabled is true, is ULEB128-prefixed
	// onto every key (spec.md §6.1).
	CollectionsEnabled bool
}

func (o OpsCore) encodeKey(collectionID uint32, key []byte) []byte {
	if !o.CollectionsEnabled {
		return key
	}
	out := AppendULEB128(nil, collectionID)
	return append(out, key...)
}

// GetOptions parameterizes a GET request.
type GetOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
}

func (o OpsCore) Get(opts GetOptions) Packet {
	return Packet{
		OpCode:    OpCodeGet,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
	}
}

// GetAndLockOptions parameterizes a GET-AND-LOCK request.
type GetAndLockOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	LockTime     uint32
}

func (o OpsCore) GetAndLock(opts GetAndLockOptions) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, opts.LockTime)
	return Packet{
		OpCode:    OpCodeGetAndLock,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Extras:    extras,
	}
}

// GetAndTouchOptions parameterizes a GET-AND-TOUCH request.
type GetAndTouchOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Expiry       uint32
}

func (o OpsCore) GetAndTouch(opts GetAndTouchOptions) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, opts.Expiry)
	return Packet{
		OpCode:    OpCodeGetAndTouch,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Extras:    extras,
	}
}

// StoreOptions parameterizes SET/ADD/REPLACE.
type StoreOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Value        []byte
	Flags        uint32
	Expiry       uint32
	Datatype     uint8
	Cas          uint64
	Durability   *DurabilityLevel
	DurabilityTimeoutMillis uint32
	PreserveTTL  bool
	OnBehalfOf   *OnBehalfOf
}

// OnBehalfOf carries the identity a request should be attributed to
// (spec.md §4.1, §6.4).
type OnBehalfOf struct {
	Username string
	Domain   string
}

func (o OpsCore) framingExtras(opts StoreOptions) ([]byte, error) {
	var frames []ExtFrame
	if opts.Durability != nil {
		frames = append(frames, EncodeDurabilityFrame(*opts.Durability, opts.DurabilityTimeoutMillis > 0, opts.DurabilityTimeoutMillis))
	}
	if opts.PreserveTTL {
		frames = append(frames, EncodePreserveTTLFrame())
	}
	if opts.OnBehalfOf != nil {
		frames = append(frames, EncodeOnBehalfOfFrame(opts.OnBehalfOf.Username, opts.OnBehalfOf.Domain))
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return EncodeExtFrames(frames)
}

func (o OpsCore) store(opCode OpCode, opts StoreOptions) (Packet, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], opts.Flags)
	binary.BigEndian.PutUint32(extras[4:8], opts.Expiry)

	framing, err := o.framingExtras(opts)
	if err != nil {
		return Packet{}, err
	}

	return Packet{
		OpCode:        opCode,
		VbucketID:     opts.VbucketID,
		Key:           o.encodeKey(opts.CollectionID, opts.Key),
		Value:         opts.Value,
		Extras:        extras,
		Cas:           opts.Cas,
		Datatype:      opts.Datatype,
		FramingExtras: framing,
	}, nil
}

func (o OpsCore) Set(opts StoreOptions) (Packet, error)     { return o.store(OpCodeSet, opts) }
func (o OpsCore) Add(opts StoreOptions) (Packet, error)     { return o.store(OpCodeAdd, opts) }
func (o OpsCore) Replace(opts StoreOptions) (Packet, error) { return o.store(OpCodeReplace, opts) }

// DeleteOptions parameterizes a DELETE request.
type DeleteOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Cas          uint64
	Durability   *DurabilityLevel
	DurabilityTimeoutMillis uint32
}

func (o OpsCore) Delete(opts DeleteOptions) (Packet, error) {
	var frames []ExtFrame
	if opts.Durability != nil {
		frames = append(frames, EncodeDurabilityFrame(*opts.Durability, opts.DurabilityTimeoutMillis > 0, opts.DurabilityTimeoutMillis))
	}
	framing, err := EncodeExtFrames(frames)
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		OpCode:        OpCodeDelete,
		VbucketID:     opts.VbucketID,
		Key:           o.encodeKey(opts.CollectionID, opts.Key),
		Cas:           opts.Cas,
		FramingExtras: framing,
	}, nil
}

// TouchOptions parameterizes a TOUCH request.
type TouchOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Expiry       uint32
}

func (o OpsCore) Touch(opts TouchOptions) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, opts.Expiry)
	return Packet{
		OpCode:    OpCodeTouch,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Extras:    extras,
	}
}

// UnlockOptions parameterizes an UNLOCK request.
type UnlockOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Cas          uint64
}

func (o OpsCore) Unlock(opts UnlockOptions) Packet {
	return Packet{
		OpCode:    OpCodeUnlock,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Cas:       opts.Cas,
	}
}

// CounterOptions parameterizes INCREMENT/DECREMENT. An absent Initial means
// "fail if the document is missing", encoded by setting Expiry's extras
// field to 0xffffffff (spec.md §4.3).
type CounterOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Delta        uint64
	Initial      uint64
	HasInitial   bool
	Expiry       uint32
}

func (o OpsCore) counter(opCode OpCode, opts CounterOptions) Packet {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], opts.Delta)
	binary.BigEndian.PutUint64(extras[8:16], opts.Initial)
	if opts.HasInitial {
		binary.BigEndian.PutUint32(extras[16:20], opts.Expiry)
	} else {
		binary.BigEndian.PutUint32(extras[16:20], 0xffffffff)
	}
	return Packet{
		OpCode:    opCode,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Extras:    extras,
	}
}

func (o OpsCore) Increment(opts CounterOptions) Packet { return o.counter(OpCodeIncrement, opts) }
func (o OpsCore) Decrement(opts CounterOptions) Packet { return o.counter(OpCodeDecrement, opts) }

// AppendPrependOptions parameterizes APPEND/PREPEND (no extras).
type AppendPrependOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Value        []byte
	Cas          uint64
}

func (o OpsCore) Append(opts AppendPrependOptions) Packet {
	return Packet{OpCode: OpCodeAppend, VbucketID: opts.VbucketID, Key: o.encodeKey(opts.CollectionID, opts.Key), Value: opts.Value, Cas: opts.Cas}
}

func (o OpsCore) Prepend(opts AppendPrependOptions) Packet {
	return Packet{OpCode: OpCodePrepend, VbucketID: opts.VbucketID, Key: o.encodeKey(opts.CollectionID, opts.Key), Value: opts.Value, Cas: opts.Cas}
}

// LookupInOptions parameterizes a multi-path lookup (spec.md §4.3.1).
type LookupInOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Specs        []SubdocSpec
	DocFlags     SubdocDocFlag
}

// LookupIn reorders specs (xattr-first) and encodes the multi-lookup
// request; callers must pass the returned orderedSpecs to
// DecodeLookupInResult/ReorderResults.
func (o OpsCore) LookupIn(opts LookupInOptions) (Packet, []SubdocSpec) {
	ordered := OrderSpecs(opts.Specs)
	var extras []byte
	if opts.DocFlags != SubdocDocFlagNone {
		extras = []byte{byte(opts.DocFlags)}
	}
	return Packet{
		OpCode:    OpCodeSubdocMultiLookup,
		VbucketID: opts.VbucketID,
		Key:       o.encodeKey(opts.CollectionID, opts.Key),
		Extras:    extras,
		Value:     EncodeSubdocMultiBody(ordered, false),
	}, ordered
}

// MutateInOptions parameterizes a multi-path mutation.
type MutateInOptions struct {
	CollectionID uint32
	Key          []byte
	VbucketID    uint16
	Specs        []SubdocSpec
	DocFlags     SubdocDocFlag
	Cas          uint64
	Durability   *DurabilityLevel
	DurabilityTimeoutMillis uint32
}

func (o OpsCore) MutateIn(opts MutateInOptions) (Packet, []SubdocSpec, error) {
	ordered := OrderSpecs(opts.Specs)
	var extras []byte
	if opts.DocFlags != SubdocDocFlagNone {
		extras = []byte{byte(opts.DocFlags)}
	}

	var frames []ExtFrame
	if opts.Durability != nil {
		frames = append(frames, EncodeDurabilityFrame(*opts.Durability, opts.DurabilityTimeoutMillis > 0, opts.DurabilityTimeoutMillis))
	}
	framing, err := EncodeExtFrames(frames)
	if err != nil {
		return Packet{}, nil, err
	}

	return Packet{
		OpCode:        OpCodeSubdocMultiMutation,
		VbucketID:     opts.VbucketID,
		Key:           o.encodeKey(opts.CollectionID, opts.Key),
		Extras:        extras,
		Cas:           opts.Cas,
		Value:         EncodeSubdocMultiBody(ordered, true),
		FramingExtras: framing,
	}, ordered, nil
}

// Hello encodes the HELLO request.
func (o OpsCore) Hello(clientName string, features []HelloFeature) Packet {
	return Packet{
		OpCode: OpCodeHello,
		Key:    []byte(clientName),
		Value:  EncodeHelloValue(features),
	}
}

// GetErrorMap encodes the GET-ERROR-MAP request (version 2, spec.md §4.3).
func (o OpsCore) GetErrorMap() Packet {
	value := make([]byte, 2)
	binary.BigEndian.PutUint16(value, 2)
	return Packet{OpCode: OpCodeGetErrorMap, Value: value}
}

// SASLListMechs encodes the SASL-LIST-MECHS request.
func (o OpsCore) SASLListMechs() Packet {
	return Packet{OpCode: OpCodeSASLListMechs}
}

// SASLAuth encodes a SASL-AUTH request for the given mechanism and initial
// payload.
func (o OpsCore) SASLAuth(mechanism SASLMechanism, payload []byte) Packet {
	return Packet{OpCode: OpCodeSASLAuth, Key: []byte(mechanism), Value: payload}
}

// SASLStep encodes a SASL-STEP continuation request.
func (o OpsCore) SASLStep(mechanism SASLMechanism, payload []byte) Packet {
	return Packet{OpCode: OpCodeSASLStep, Key: []byte(mechanism), Value: payload}
}

// SelectBucket encodes the SELECT-BUCKET request.
func (o OpsCore) SelectBucket(bucketName string) Packet {
	return Packet{OpCode: OpCodeSelectBucket, Key: []byte(bucketName)}
}

// GetClusterConfig encodes the GET-CLUSTER-CONFIG request.
func (o OpsCore) GetClusterConfig() Packet {
	return Packet{OpCode: OpCodeGetClusterConfig}
}

// GetCollectionID encodes a request to resolve a "scope.collection" path to
// a numeric collection ID and the manifest revision that produced it
// (spec.md §4.8, the inner resolver the cache wraps).
func (o OpsCore) GetCollectionID(path string) Packet {
	return Packet{OpCode: OpCodeGetCollectionID, Value: []byte(path)}
}

// DecodeGetCollectionIDResponse parses the extras of a successful
// GET-COLLECTION-ID response: manifest_rev(8) | collection_id(4).
func DecodeGetCollectionIDResponse(extras []byte) (collectionID uint32, manifestRev uint64, err error) {
	if len(extras) < 12 {
		return 0, 0, errShortExtras
	}
	manifestRev = binary.BigEndian.Uint64(extras[0:8])
	collectionID = binary.BigEndian.Uint32(extras[8:12])
	return collectionID, manifestRev, nil
}

var errShortExtras = fmtErrorf("memdx: short GET-COLLECTION-ID extras")

func fmtErrorf(s string) error { return simpleError(s) }

type simpleError string

func (e simpleError) Error() string { return string(e) }
