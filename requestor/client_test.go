package requestor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/guardian/k8s-scepclient/datapersistence"
	"github.com/guardian/k8s-scepclient/scep"
	"github.com/guardian/k8s-scepclient/transport"
	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/errgo.v2/fmt/errors"
)

// fakeCA answers SCEP operations with the codec from the CA's side.
type fakeCA struct {
	t      *testing.T
	key    *rsa.PrivateKey
	cert   *x509.Certificate
	caps   string
	server *httptest.Server

	mu       sync.Mutex
	pending  int
	reject   bool
	posts    int
	gets     int
	requests map[string]*x509.CertificateRequest
	issued   []*x509.Certificate
	serial   int64
	// transaction IDs in the order they arrived
	ids []string
}

func newFakeCA(t *testing.T, caps string) *fakeCA {
	t.Helper()
	key, err := GenerateNewKey()
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake SCEP CA", Organization: []string{"Guardian Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	ca := &fakeCA{t: t, key: key, cert: cert, caps: caps, requests: map[string]*x509.CertificateRequest{}, serial: 100}
	ca.server = httptest.NewServer(http.HandlerFunc(ca.serveHTTP))
	t.Cleanup(ca.server.Close)
	return ca
}

func (ca *fakeCA) counts() (posts, gets int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.posts, ca.gets
}

func (ca *fakeCA) transactionIDs() []string {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return append([]string(nil), ca.ids...)
}

func (ca *fakeCA) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("operation") {
	case string(scep.OpGetCACaps):
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(ca.caps))
	case string(scep.OpGetCACert):
		w.Header().Set("Content-Type", CACertContentType)
		w.Write(ca.cert.Raw)
	case string(scep.OpGetNextCACert):
		ca.serveNextCACert(w)
	case string(scep.OpPKIOperation):
		ca.servePKIOperation(w, r)
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
	}
}

func (ca *fakeCA) serveNextCACert(w http.ResponseWriter) {
	bundle, err := scep.NewCertificateBundle([]*x509.Certificate{ca.cert})
	if !assert.NoError(ca.t, err) {
		return
	}
	sd, err := pkcs7.NewSignedData(bundle)
	if !assert.NoError(ca.t, err) {
		return
	}
	if !assert.NoError(ca.t, sd.AddSigner(ca.cert, ca.key, pkcs7.SignerInfoConfig{})) {
		return
	}
	signed, err := sd.Finish()
	if !assert.NoError(ca.t, err) {
		return
	}
	w.Header().Set("Content-Type", NextCACertContentType)
	w.Write(signed)
}

func (ca *fakeCA) servePKIOperation(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	var err error
	ca.mu.Lock()
	if r.Method == http.MethodPost {
		ca.posts++
		raw, err = io.ReadAll(r.Body)
	} else {
		ca.gets++
		raw, err = base64.StdEncoding.DecodeString(r.URL.Query().Get("message"))
	}
	ca.mu.Unlock()
	if !assert.NoError(ca.t, err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decoded, err := scep.NewDecoder(scep.Recipient{Certificate: ca.cert, PrivateKey: ca.key}).Decode(raw)
	if !assert.NoError(ca.t, err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply := ca.answer(decoded)

	enveloper, err := scep.NewEnvelopeCodec(scep.DefaultCipher, decoded.Signer)
	if !assert.NoError(ca.t, err) {
		return
	}
	encoder, err := scep.NewEncoder(ca.key, ca.cert, enveloper)
	if !assert.NoError(ca.t, err) {
		return
	}
	signed, err := encoder.Encode(reply)
	if !assert.NoError(ca.t, err) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", transport.PKIMessageContentType)
	w.Write(signed.Raw)
}

func (ca *fakeCA) answer(decoded *scep.Decoded) *scep.CertRep {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	txid := decoded.Attributes.TransactionID.String()
	ca.ids = append(ca.ids, txid)

	var csr *x509.CertificateRequest
	switch msg := decoded.Message.(type) {
	case *scep.PKCSReq:
		csr = msg.CSR
	case *scep.RenewalReq:
		csr = msg.CSR
	case *scep.CertPoll:
		csr = ca.requests[txid]
		if csr == nil {
			return ca.failure(decoded, scep.BadCertID, "no such transaction")
		}
	case *scep.GetCert:
		for _, cert := range ca.issued {
			if scep.IssuerAndSerialOf(cert).Equal(msg.Serial) {
				return ca.success(decoded, []*x509.Certificate{cert})
			}
		}
		return ca.failure(decoded, scep.BadCertID, "")
	case *scep.GetCRL:
		crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			Number:     big.NewInt(3),
			ThisUpdate: time.Now().Add(-time.Minute),
			NextUpdate: time.Now().Add(time.Hour),
		}, ca.cert, ca.key)
		assert.NoError(ca.t, err)
		bundle, err := scep.NewCRLBundle(crl)
		assert.NoError(ca.t, err)
		reply := scep.ReplyTo(decoded.Attributes, scep.SUCCESS)
		reply.Content = bundle
		return reply
	}

	if ca.reject {
		return ca.failure(decoded, scep.BadRequest, "challenge password rejected")
	}
	ca.requests[txid] = csr
	if ca.pending > 0 {
		ca.pending--
		return scep.ReplyTo(decoded.Attributes, scep.PENDING)
	}
	return ca.success(decoded, []*x509.Certificate{ca.issue(csr)})
}

func (ca *fakeCA) issue(csr *x509.CertificateRequest) *x509.Certificate {
	ca.serial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(ca.serial),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	assert.NoError(ca.t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NoError(ca.t, err)
	ca.issued = append(ca.issued, cert)
	return cert
}

func (ca *fakeCA) success(decoded *scep.Decoded, certs []*x509.Certificate) *scep.CertRep {
	bundle, err := scep.NewCertificateBundle(certs)
	assert.NoError(ca.t, err)
	reply := scep.ReplyTo(decoded.Attributes, scep.SUCCESS)
	reply.Content = bundle
	return reply
}

func (ca *fakeCA) failure(decoded *scep.Decoded, info scep.FailInfo, text string) *scep.CertRep {
	reply := scep.ReplyTo(decoded.Attributes, scep.FAILURE)
	reply.FailInfo = info
	reply.FailInfoText = text
	return reply
}

type testClient struct {
	*Client
	key     *rsa.PrivateKey
	csr     *x509.CertificateRequest
	journal *datapersistence.Journal
}

func newTestClient(t *testing.T, ca *fakeCA, opts Options) *testClient {
	t.Helper()
	key, err := GenerateNewKey()
	require.NoError(t, err)
	subject := pkix.Name{CommonName: "node1.example", Organization: []string{"Guardian Test"}}
	csr, err := MakeCSRFor(&subject, []string{"node1.example"}, nil, key, "secret")
	require.NoError(t, err)
	signer, err := MakeSelfSignedCert(key, subject)
	require.NoError(t, err)
	journal, err := datapersistence.NewJournal(t.TempDir())
	require.NoError(t, err)

	client, err := NewClient(transport.NewClient(ca.server.URL, "", ca.server.Client()), key, signer, journal, opts)
	require.NoError(t, err)
	return &testClient{Client: client, key: key, csr: csr, journal: journal}
}

func TestGetCACapsAndCert(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\nSHA-256\nAES\n")
	client := newTestClient(t, ca, Options{})

	caps, err := client.GetCACaps(context.Background())
	require.NoError(t, err)
	require.True(t, caps.UsePost())
	require.False(t, caps.Has(CapRenewal))

	certs, err := client.GetCACert(context.Background())
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.True(t, certs[0].Equal(ca.cert))

	next, err := client.GetNextCACert(context.Background())
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.True(t, next[0].Equal(ca.cert))
}

func TestEnrollIssuesCertificate(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\nSHA-256\nAES\nRenewal\n")
	client := newTestClient(t, ca, Options{NoncePolicy: scep.NoncePolicyStrict})

	result, err := client.Enroll(context.Background(), client.csr, false)
	require.NoError(t, err)
	require.Equal(t, scep.SUCCESS, result.Status)
	issued := result.IssuedFor(&client.key.PublicKey)
	require.NotNil(t, issued)
	require.NoError(t, issued.CheckSignatureFrom(ca.cert))
	require.Equal(t, "node1.example", issued.Subject.CommonName)
	posts, gets := ca.counts()
	require.Equal(t, 1, posts)
	require.Equal(t, 0, gets)

	// finished transactions leave the journal
	_, err = client.journal.Load(result.TransactionID)
	require.Equal(t, datapersistence.ErrNotFound, errors.Cause(err))

	fetched, err := client.GetCert(context.Background(), scep.IssuerAndSerialOf(issued))
	require.NoError(t, err)
	require.True(t, fetched.Equal(issued))
}

func TestGetCertBySerialNumber(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	client := newTestClient(t, ca, Options{})
	result, err := client.Enroll(context.Background(), client.csr, false)
	require.NoError(t, err)
	issued := result.IssuedFor(&client.key.PublicKey)
	require.NotNil(t, issued)

	serial, err := client.IssuerAndSerial(context.Background(), issued.SerialNumber)
	require.NoError(t, err)
	require.True(t, serial.Equal(scep.IssuerAndSerialOf(issued)))

	fetched, err := client.GetCert(context.Background(), serial)
	require.NoError(t, err)
	require.True(t, fetched.Equal(issued))
}

func TestRenewalSignedWithIssuedCertificate(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\nRenewal\nSHA-256\nAES\n")
	first := newTestClient(t, ca, Options{})
	result, err := first.Enroll(context.Background(), first.csr, false)
	require.NoError(t, err)
	issued := result.IssuedFor(&first.key.PublicKey)
	require.NotNil(t, issued)

	// the renewal is signed by the current certificate and asks for a new key
	renewer, err := NewClient(transport.NewClient(ca.server.URL, "", ca.server.Client()), first.key, issued, first.journal, Options{NoncePolicy: scep.NoncePolicyStrict})
	require.NoError(t, err)
	newKey, err := GenerateNewKey()
	require.NoError(t, err)
	csr, err := MakeCSRFor(&issued.Subject, issued.DNSNames, nil, newKey, "")
	require.NoError(t, err)

	result, err = renewer.Enroll(context.Background(), csr, true)
	require.NoError(t, err)
	require.Equal(t, scep.SUCCESS, result.Status)
	renewed := result.IssuedFor(&newKey.PublicKey)
	require.NotNil(t, renewed)
	require.NotEqual(t, issued.SerialNumber, renewed.SerialNumber)
}

func TestEnrollWithoutPost(t *testing.T) {
	ca := newFakeCA(t, "")
	client := newTestClient(t, ca, Options{})

	result, err := client.Enroll(context.Background(), client.csr, false)
	require.NoError(t, err)
	require.Equal(t, scep.SUCCESS, result.Status)
	posts, gets := ca.counts()
	require.Equal(t, 0, posts)
	require.Equal(t, 1, gets)
}

func TestEnrollPendingThenPoll(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\nSCEPStandard\n")
	ca.pending = 2
	client := newTestClient(t, ca, Options{})

	result, err := client.Enroll(context.Background(), client.csr, false)
	require.NoError(t, err)
	require.Equal(t, scep.PENDING, result.Status)
	require.Empty(t, result.Certificates)

	record, err := client.journal.Load(result.TransactionID)
	require.NoError(t, err)
	require.Equal(t, scep.PENDING, record.Status)
	require.Equal(t, scep.PKCSReqType, record.MessageType)
	require.Equal(t, client.csr.Raw, record.CSR)

	// a restarted client only has the journal to go on
	restarted, err := NewClient(transport.NewClient(ca.server.URL, "", ca.server.Client()), client.signerKey, client.signerCert, client.journal, Options{})
	require.NoError(t, err)
	result, err = restarted.PollUntilIssued(context.Background(), result.TransactionID, 10*time.Millisecond, 5)
	require.NoError(t, err)
	require.Equal(t, scep.SUCCESS, result.Status)
	require.NotNil(t, result.IssuedFor(&client.key.PublicKey))

	_, err = client.journal.Load(result.TransactionID)
	require.Equal(t, datapersistence.ErrNotFound, errors.Cause(err))
}

func TestPollGivesUp(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	ca.pending = 10
	client := newTestClient(t, ca, Options{})

	result, err := client.Enroll(context.Background(), client.csr, false)
	require.NoError(t, err)
	result, err = client.PollUntilIssued(context.Background(), result.TransactionID, time.Millisecond, 2)
	require.NoError(t, err)
	require.Equal(t, scep.PENDING, result.Status)

	record, err := client.journal.Load(result.TransactionID)
	require.NoError(t, err)
	require.Equal(t, 2, record.Polls)

	_, err = client.Poll(context.Background(), "unknown")
	require.Equal(t, datapersistence.ErrNotFound, errors.Cause(err))
}

func TestEnrollRejected(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	ca.reject = true
	client := newTestClient(t, ca, Options{})

	result, err := client.Enroll(context.Background(), client.csr, false)
	require.Equal(t, ErrRejected, errors.Cause(err))
	require.Equal(t, scep.FAILURE, result.Status)
	require.Equal(t, scep.BadRequest, result.FailInfo)
	require.Equal(t, "challenge password rejected", result.FailInfoText)

	_, err = client.journal.Load(result.TransactionID)
	require.Equal(t, datapersistence.ErrNotFound, errors.Cause(err))
}

func TestGetCertUnknown(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	client := newTestClient(t, ca, Options{})

	_, err := client.GetCert(context.Background(), scep.IssuerAndSerialOf(ca.cert))
	require.Equal(t, ErrRejected, errors.Cause(err))
}

func TestGetCRL(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	client := newTestClient(t, ca, Options{})

	crls, err := client.GetCRL(context.Background(), scep.IssuerAndSerialOf(ca.cert))
	require.NoError(t, err)
	require.Len(t, crls, 1)
	require.NoError(t, crls[0].CheckSignatureFrom(ca.cert))
}

type sequence struct {
	next uint64
}

func (s *sequence) Next() uint64 {
	s.next++
	return s.next - 1
}

func TestQueriesNumberedByCounter(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	client := newTestClient(t, ca, Options{Counter: &sequence{next: 41}})

	_, err := client.GetCRL(context.Background(), scep.IssuerAndSerialOf(ca.cert))
	require.NoError(t, err)
	_, err = client.GetCert(context.Background(), scep.IssuerAndSerialOf(ca.cert))
	require.Equal(t, ErrRejected, errors.Cause(err))
	require.Equal(t, []string{"29", "2a"}, ca.transactionIDs())
}

func TestClientsOwnTheirCounters(t *testing.T) {
	ca := newFakeCA(t, "POSTPKIOperation\n")
	first := newTestClient(t, ca, Options{})
	second := newTestClient(t, ca, Options{})

	for _, client := range []*testClient{first, second, first} {
		_, err := client.GetCRL(context.Background(), scep.IssuerAndSerialOf(ca.cert))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"0", "0", "1"}, ca.transactionIDs())
}

func TestNewClientRequiresSigner(t *testing.T) {
	_, err := NewClient(transport.NewClient("http://localhost", "", nil), nil, nil, nil, Options{})
	require.Error(t, err)
	_, err = NewClient(nil, nil, nil, nil, Options{})
	require.Error(t, err)
}
