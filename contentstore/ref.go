package contentstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ComputeRef computes the content address for data: a CIDv1 with the raw
// codec over a SHA2-256 multihash. Identical bytes always produce the
// identical ref.
func ComputeRef(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}

	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

// ValidateRef reports an error if ref is not a parseable content address.
func ValidateRef(ref string) error {
	if _, err := cid.Decode(ref); err != nil {
		return fmt.Errorf("parse content ref %q: %w", ref, err)
	}
	return nil
}
