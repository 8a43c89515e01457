// Package idkind classifies conversation identifiers by the backend that
// could have minted them.
package idkind

import "go.mongodb.org/mongo-driver/v2/bson"

// Kind is the verdict of Classify.
type Kind int

const (
	// Foreign identifiers were not minted by the document store. They may
	// still name a conversation held by the content store.
	Foreign Kind = iota
	// Native identifiers have the document store's ObjectID shape.
	Native
)

func (k Kind) String() string {
	if k == Native {
		return "native"
	}
	return "foreign"
}

const objectIDHexLen = 24

// Classify returns Native when id is a 24 character hex ObjectID that
// round-trips through the driver's parser unchanged, Foreign otherwise.
// The verdict only decides which backend is probed first.
func Classify(id string) Kind {
	if len(id) != objectIDHexLen {
		return Foreign
	}
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil || oid.Hex() != id {
		return Foreign
	}
	return Native
}
