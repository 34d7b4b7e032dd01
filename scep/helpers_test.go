package scep

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testIdentity struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

func (i testIdentity) Recipient() Recipient {
	return Recipient{Certificate: i.Cert, PrivateKey: i.Key}
}

var serials int64

func newTestIdentity(t *testing.T, commonName string) testIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serials++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1000 + serials),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"Guardian Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,

		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return testIdentity{Key: key, Cert: cert}
}

func newTestCSR(t *testing.T, key *rsa.PrivateKey, commonName string) *x509.CertificateRequest {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

// exchange wires a client and a CA the way an enrollment does: each encodes for the other.
type exchange struct {
	client, ca    testIdentity
	clientEncoder *Encoder
	caEncoder     *Encoder
	clientDecoder *Decoder
	caDecoder     *Decoder
}

func newExchange(t *testing.T, opts ...DecoderOption) *exchange {
	t.Helper()
	x := &exchange{
		client: newTestIdentity(t, "client.example"),
		ca:     newTestIdentity(t, "ca.example"),
	}
	toCA, err := NewEnvelopeCodec(DefaultCipher, x.ca.Cert)
	require.NoError(t, err)
	toClient, err := NewEnvelopeCodec(DefaultCipher, x.client.Cert)
	require.NoError(t, err)

	x.clientEncoder, err = NewEncoder(x.client.Key, x.client.Cert, toCA)
	require.NoError(t, err)
	x.caEncoder, err = NewEncoder(x.ca.Key, x.ca.Cert, toClient)
	require.NoError(t, err)
	x.clientDecoder = NewDecoder(x.client.Recipient(), opts...)
	x.caDecoder = NewDecoder(x.ca.Recipient(), opts...)
	return x
}

type fixedCounter struct {
	next uint64
}

func (c *fixedCounter) Next() uint64 {
	n := c.next
	c.next++
	return n
}
