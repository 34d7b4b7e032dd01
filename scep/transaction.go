package scep

import (
	"bytes"
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"gopkg.in/errgo.v2/fmt/errors"
)

/*
The client MUST use a unique string as the transaction identifier, encoded as a PrintableString, which MUST be used
for all PKI messages exchanged for a given operation such as a certificate issue.

Note that the transactionID must be unique, but not necessarily randomly generated.
*/

// TransactionID correlates a request with its responses. It is immutable once built.
type TransactionID []byte //RFC section 3.2.1.1

func (t TransactionID) Bytes() []byte {
	return append([]byte(nil), t...)
}

func (t TransactionID) String() string {
	return string(t)
}

func (t TransactionID) Equal(other TransactionID) bool {
	return bytes.Equal(t, other)
}

// FromKeyFingerprint derives a stable identity from the DER encoding of a public key,
// so that an interrupted enrollment can be resumed with the same key pair.
func FromKeyFingerprint(publicKeyDER []byte, alg crypto.Hash) (TransactionID, error) {
	if alg == 0 || !alg.Available() {
		return nil, errors.Becausef(nil, ErrUnsupportedAlgorithm, "digest %d is not available for fingerprinting", uint(alg))
	}
	h := alg.New()
	h.Write(publicKeyDER)
	sum := h.Sum(nil)
	id := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(id, sum)
	return TransactionID(id), nil
}

// FromPublicKey is FromKeyFingerprint over the PKIX encoding of pub.
func FromPublicKey(pub crypto.PublicKey, alg crypto.Hash) (TransactionID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Becausef(err, ErrUnsupportedAlgorithm, "cannot encode public key of type %T", pub)
	}
	return FromKeyFingerprint(der, alg)
}

// Counter hands out process-unique sequence numbers.
type Counter interface {
	Next() uint64
}

// AtomicCounter is a Counter that is safe for concurrent use. The zero value starts at 0.
type AtomicCounter struct {
	n atomic.Uint64
}

func (c *AtomicCounter) Next() uint64 {
	return c.n.Add(1) - 1
}

// FromCounter builds an identity for exchanges that have no key material, such as GetCert and GetCRL.
// Identities are only distinct among those drawn from the same c.
func FromCounter(c Counter) TransactionID {
	return TransactionID(strconv.FormatUint(c.Next(), 16))
}

// NewRandomTransactionID returns a random UUID based identity.
func NewRandomTransactionID() (TransactionID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return TransactionID(id.String()), nil
}

// ParseDigestAlgorithm maps names such as "SHA-256" or "sha256" to a crypto.Hash.
func ParseDigestAlgorithm(name string) (crypto.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "MD5":
		return crypto.MD5, nil
	case "SHA1":
		return crypto.SHA1, nil
	case "SHA224":
		return crypto.SHA224, nil
	case "SHA256":
		return crypto.SHA256, nil
	case "SHA384":
		return crypto.SHA384, nil
	case "SHA512":
		return crypto.SHA512, nil
	}
	return 0, errors.Becausef(nil, ErrUnsupportedAlgorithm, "unknown digest algorithm %q", name)
}

// printable reports whether every byte of the id may appear in an ASN.1 PrintableString.
func (t TransactionID) printable() bool {
	if len(t) == 0 {
		return false
	}
	for _, b := range t {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case strings.IndexByte(" '()+,-./:=?", b) >= 0:
		default:
			return false
		}
	}
	return true
}
