package certfinder

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/guardian/k8s-scepclient/certs"
	"github.com/rs/zerolog/log"
	"gopkg.in/errgo.v2/fmt/errors"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var ErrNotIdentity = errors.New("secret does not hold a certificate and private key")

// Identity is a certificate and its key, as held in a kubernetes.io/tls secret.
type Identity struct {
	Namespace   string
	SecretName  string
	Certificate *x509.Certificate
	// Chain is everything in tls.crt after the leaf.
	Chain      []*x509.Certificate
	PrivateKey crypto.PrivateKey
}

func (i *Identity) Description() string {
	return i.Namespace + ":" + i.SecretName
}

func ScanNamespaces(ctx context.Context, clientset kubernetes.Interface) ([]v1.Namespace, error) {
	client := clientset.CoreV1().Namespaces()

	results := make([]v1.Namespace, 0)

	var continuation string
	for {
		listOpts := metav1.ListOptions{
			Continue: continuation,
		}

		result, err := client.List(ctx, listOpts)
		if err != nil {
			return nil, err
		}

		results = append(results, result.Items...)

		if result.Continue == "" {
			break
		} else {
			continuation = result.Continue
		}
	}
	return results, nil
}

func arrayContains(needle v1.SecretType, haystack []string) bool {
	for _, blade := range haystack {
		if string(needle) == blade {
			return true
		}
	}
	return false
}

func ScanSecrets(ctx context.Context, clientset kubernetes.Interface, namespace string, typesMatch []string) ([]v1.Secret, error) {
	client := clientset.CoreV1().Secrets(namespace)

	var continuation string
	results := make([]v1.Secret, 0)

	for {
		result, err := client.List(ctx, metav1.ListOptions{
			Continue: continuation,
		})
		if err != nil {
			return nil, err
		}

		for _, secret := range result.Items {
			if arrayContains(secret.Type, typesMatch) {
				results = append(results, secret)
			}
		}

		if result.Continue == "" {
			break
		} else {
			continuation = result.Continue
		}
	}
	return results, nil
}

// extractIdentity
/**
parses tls.crt and tls.key out of the given secret. Returns ErrNotIdentity if either is missing.
*/
func extractIdentity(secret *v1.Secret) (*Identity, error) {
	certData, haveCert := secret.Data[v1.TLSCertKey]
	keyData, haveKey := secret.Data[v1.TLSPrivateKeyKey]
	if !haveCert || !haveKey {
		return nil, ErrNotIdentity
	}

	description := secret.Namespace + ":" + secret.Name
	chain, err := certs.LoadCertChain(certData, description)
	if err != nil {
		return nil, errors.Becausef(err, ErrNotIdentity, "%s has an unreadable %s", description, v1.TLSCertKey)
	}
	key, err := certs.LoadPrivateKey(keyData, description)
	if err != nil {
		return nil, errors.Becausef(err, ErrNotIdentity, "%s has an unreadable %s", description, v1.TLSPrivateKeyKey)
	}
	return &Identity{
		Namespace:   secret.Namespace,
		SecretName:  secret.Name,
		Certificate: chain[0],
		Chain:       chain[1:],
		PrivateKey:  key,
	}, nil
}

// LoadIdentity reads the signer identity held in one TLS secret.
func LoadIdentity(ctx context.Context, clientset kubernetes.Interface, namespace string, secretName string) (*Identity, error) {
	secret, err := clientset.CoreV1().Secrets(namespace).Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	identity, err := extractIdentity(secret)
	if err != nil {
		log.Error().Err(err).Str("namespace", namespace).Str("secret", secretName).Msg("LoadIdentity could not use secret")
		return nil, err
	}
	log.Info().Str("secret", identity.Description()).Stringer("subject", identity.Certificate.Subject).Msg("LoadIdentity loaded signer identity")
	return identity, nil
}

// ScanForIdentities
/**
lists every TLS secret in every namespace that holds a usable certificate and key. These are the candidates
for renewal by a SCEP RenewalReq.
*/
func ScanForIdentities(ctx context.Context, clientset kubernetes.Interface) ([]*Identity, error) {
	namespaces, nsErr := ScanNamespaces(ctx, clientset)
	if nsErr != nil {
		log.Error().Err(nsErr).Msg("Could not scan for namespaces")
		return nil, nsErr
	}

	log.Info().Int("count", len(namespaces)).Msg("Found namespaces")

	results := make([]*Identity, 0)

	for _, namespace := range namespaces {
		log.Debug().Str("namespace", namespace.Name).Msg("Checking namespace")
		tlsSecrets, secretsErr := ScanSecrets(ctx, clientset, namespace.Name, []string{string(v1.SecretTypeTLS), string(v1.SecretTypeOpaque)})
		if secretsErr != nil {
			log.Error().Err(secretsErr).Str("namespace", namespace.Name).Msg("Could not scan for secrets")
			continue
		}
		for i := range tlsSecrets {
			identity, err := extractIdentity(&tlsSecrets[i])
			if err != nil {
				// a bare ErrNotIdentity just means the secret holds something else
				if err != ErrNotIdentity {
					log.Warn().Err(err).Str("namespace", namespace.Name).Str("secret", tlsSecrets[i].Name).Msg("Skipping secret")
				}
				continue
			}
			results = append(results, identity)
		}
	}

	log.Info().Int("count", len(results)).Msg("All identities gathered")
	return results, nil
}

// StoreIdentity
/**
writes a certificate chain and key into a kubernetes.io/tls secret, creating it if it does not exist yet.
*/
func StoreIdentity(ctx context.Context, clientset kubernetes.Interface, namespace string, secretName string, certPEM []byte, keyPEM []byte) error {
	client := clientset.CoreV1().Secrets(namespace)
	data := map[string][]byte{
		v1.TLSCertKey:       certPEM,
		v1.TLSPrivateKeyKey: keyPEM,
	}

	existing, err := client.Get(ctx, secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, &v1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: secretName, Namespace: namespace},
			Type:       v1.SecretTypeTLS,
			Data:       data,
		}, metav1.CreateOptions{})
		if err == nil {
			log.Info().Str("namespace", namespace).Str("secret", secretName).Msg("StoreIdentity created secret")
		}
		return err
	} else if err != nil {
		return err
	}

	existing.Data = data
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	if err == nil {
		log.Info().Str("namespace", namespace).Str("secret", secretName).Msg("StoreIdentity updated secret")
	}
	return err
}
