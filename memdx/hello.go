package memdx

import "encoding/binary"

// DefaultHelloFeatures is the feature set requested by a fully-capable
// client (spec.md §4.3 HELLO).
var DefaultHelloFeatures = []HelloFeature{
	HelloFeatureDatatype,
	HelloFeatureSeqNo,
	HelloFeatureXattr,
	HelloFeatureXerror,
	HelloFeatureSnappy,
	HelloFeatureJSON,
	HelloFeatureUnorderedExec,
	HelloFeatureDurations,
	HelloFeatureSyncReplication,
	HelloFeatureSelectBucket,
	HelloFeatureCreateAsDeleted,
	HelloFeatureAltRequests,
	HelloFeatureCollections,
	HelloFeaturePreserveExpiry,
}

// EncodeHelloValue encodes the requested feature list as a big-endian u16
// array, the HELLO request value (spec.md §4.3).
func EncodeHelloValue(features []HelloFeature) []byte {
	buf := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(buf[i*2:], uint16(f))
	}
	return buf
}

// DecodeHelloValue parses a HELLO response value into the server-enabled
// feature set.
func DecodeHelloValue(value []byte) []HelloFeature {
	features := make([]HelloFeature, 0, len(value)/2)
	for i := 0; i+1 < len(value); i += 2 {
		features = append(features, HelloFeature(binary.BigEndian.Uint16(value[i:i+2])))
	}
	return features
}

// HasFeature reports whether features contains want.
func HasFeature(features []HelloFeature, want HelloFeature) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}
