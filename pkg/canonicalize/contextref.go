package canonicalize

import "github.com/keelframework/keel/pkg/contracts"

// ContextRef computes the content-addressable reference of a context packet.
// The packet is canonicalized before hashing, so semantically identical
// packets produce the same ref regardless of key order.
func ContextRef(packet contracts.ContextPacket) (string, error) {
	return Digest(packet)
}
