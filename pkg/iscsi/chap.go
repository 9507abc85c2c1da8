package iscsi

import "crypto/md5"

// CHAPCredentials authenticates this initiator to a target during Security
// Negotiation (RFC 3720 §11.1, using the CHAP algorithm from RFC 1994).
// Only CHAP_A=5 (MD5) is supported, per spec.md §5.4 — the other CHAP
// algorithm IDs RFC 1994 reserves have no MD2/SHA implementation here.
type CHAPCredentials struct {
	Username string
	Secret   string
}

// chapAlgorithm is the only CHAP_A value this initiator offers.
const chapAlgorithm = 5

// chapResponse computes the RFC 1994 CHAP response digest: MD5 of the
// identifier byte, the shared secret, and the challenge, concatenated in
// that order.
func chapResponse(identifier byte, secret string, challenge []byte) [16]byte {
	h := md5.New()
	h.Write([]byte{identifier})
	h.Write([]byte(secret))
	h.Write(challenge)
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
