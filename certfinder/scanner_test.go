package certfinder

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/guardian/k8s-scepclient/certs"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func tlsSecret(t *testing.T, namespace, name, cn string) *v1.Secret {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(5),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	keyPEM, err := certs.EncodeKeyPEM(key)
	require.NoError(t, err)

	return &v1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Type:       v1.SecretTypeTLS,
		Data: map[string][]byte{
			v1.TLSCertKey:       certs.EncodeCertPEM(cert),
			v1.TLSPrivateKeyKey: keyPEM,
		},
	}
}

func namespace(name string) *v1.Namespace {
	return &v1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestScanForIdentities(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		namespace("default"),
		namespace("web"),
		tlsSecret(t, "web", "frontend-tls", "frontend.example"),
		tlsSecret(t, "default", "api-tls", "api.example"),
		&v1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "db-password", Namespace: "default"},
			Type:       v1.SecretTypeOpaque,
			Data:       map[string][]byte{"password": []byte("hunter2")},
		},
		&v1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "broken-tls", Namespace: "web"},
			Type:       v1.SecretTypeTLS,
			Data:       map[string][]byte{v1.TLSCertKey: []byte("junk"), v1.TLSPrivateKeyKey: []byte("junk")},
		},
	)

	identities, err := ScanForIdentities(context.Background(), clientset)
	require.NoError(t, err)
	require.Len(t, identities, 2)

	names := map[string]string{}
	for _, identity := range identities {
		names[identity.Description()] = identity.Certificate.Subject.CommonName
		require.NotNil(t, identity.PrivateKey)
		require.Empty(t, identity.Chain)
	}
	require.Equal(t, map[string]string{
		"web:frontend-tls": "frontend.example",
		"default:api-tls":  "api.example",
	}, names)
}

func TestLoadIdentity(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		tlsSecret(t, "scep", "signer", "signer.example"),
		&v1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "opaque", Namespace: "scep"},
			Data:       map[string][]byte{"token": []byte("x")},
		},
	)

	identity, err := LoadIdentity(context.Background(), clientset, "scep", "signer")
	require.NoError(t, err)
	require.Equal(t, "signer.example", identity.Certificate.Subject.CommonName)

	_, err = LoadIdentity(context.Background(), clientset, "scep", "opaque")
	require.Equal(t, ErrNotIdentity, err)

	_, err = LoadIdentity(context.Background(), clientset, "scep", "missing")
	require.Error(t, err)
}

func TestStoreIdentity(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	source := tlsSecret(t, "scep", "unused", "stored.example")

	err := StoreIdentity(ctx, clientset, "scep", "enrolled", source.Data[v1.TLSCertKey], source.Data[v1.TLSPrivateKeyKey])
	require.NoError(t, err)
	identity, err := LoadIdentity(ctx, clientset, "scep", "enrolled")
	require.NoError(t, err)
	require.Equal(t, "stored.example", identity.Certificate.Subject.CommonName)

	replacement := tlsSecret(t, "scep", "unused", "renewed.example")
	err = StoreIdentity(ctx, clientset, "scep", "enrolled", replacement.Data[v1.TLSCertKey], replacement.Data[v1.TLSPrivateKeyKey])
	require.NoError(t, err)
	identity, err = LoadIdentity(ctx, clientset, "scep", "enrolled")
	require.NoError(t, err)
	require.Equal(t, "renewed.example", identity.Certificate.Subject.CommonName)

	stored, err := clientset.CoreV1().Secrets("scep").Get(ctx, "enrolled", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, v1.SecretTypeTLS, stored.Type)
}
