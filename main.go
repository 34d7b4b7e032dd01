package main

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/guardian/k8s-scepclient/certfinder"
	"github.com/guardian/k8s-scepclient/certs"
	"github.com/guardian/k8s-scepclient/config"
	"github.com/guardian/k8s-scepclient/datapersistence"
	"github.com/guardian/k8s-scepclient/requestor"
	"github.com/guardian/k8s-scepclient/scep"
	"github.com/guardian/k8s-scepclient/transport"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	homedir2 "k8s.io/client-go/util/homedir"
)

const usage = "k8s-scepclient [options] <getcacaps|getcacert|getnextcacert|enroll|poll|getcert|getcrl|check>"

// Command-line arguments, these override the config file
var opts struct {
	Config      string `long:"config" short:"c" description:"YAML configuration file" default:"/etc/k8s-scepclient/config.yaml"`
	Kubeconfig  string `long:"kubeconfig" description:"kubeconfig file (only used if out of cluster)"`
	Server      string `long:"server" description:"SCEP server URL"`
	Renew       bool   `long:"renew" description:"enroll with a RenewalReq signed by the current identity"`
	Wait        bool   `long:"wait" description:"keep polling until the CA decides"`
	Transaction string `long:"transaction" description:"transaction to poll, every pending one if empty"`
	Serial      string `long:"serial" description:"hex serial number for getcert and getcrl, the signer identity if empty"`
	Store       bool   `long:"store" description:"write the issued certificate into the identity secret"`
	Debug       bool   `long:"debug" description:"log at debug level"`
}

func getClientset(kubeconfigPath string) *kubernetes.Clientset {
	clusterConfig, configErr := rest.InClusterConfig()
	if configErr == nil {
		return kubernetes.NewForConfigOrDie(clusterConfig)
	}
	log.Info().Err(configErr).Msg("Could not get in-cluster configuration, falling back to out-of-cluster")
	localConfig, localErr := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if localErr == nil {
		return kubernetes.NewForConfigOrDie(localConfig)
	}

	panic(fmt.Sprintf("ERROR Could not get either in-cluster configuration or out-of-cluster: %s", localErr))
}

type app struct {
	cfg       *config.Config
	clientset kubernetes.Interface
	journal   *datapersistence.Journal
}

func (a *app) kube() kubernetes.Interface {
	if a.clientset == nil {
		kubeconfig := a.cfg.Identity.Kubeconfig
		if opts.Kubeconfig != "" {
			kubeconfig = opts.Kubeconfig
		}
		if kubeconfig == "" {
			kubeconfig = path.Join(homedir2.HomeDir(), ".kube", "config")
		}
		a.clientset = getClientset(kubeconfig)
	}
	return a.clientset
}

/**
returns the configured identity: PEM files, or a TLS secret. Found is false when neither is configured.
*/
func (a *app) identity(ctx context.Context) (cert *x509.Certificate, key crypto.PrivateKey, found bool, err error) {
	id := a.cfg.Identity
	switch {
	case id.CertFile != "":
		certPEM, err := os.ReadFile(id.CertFile)
		if err != nil {
			return nil, nil, false, err
		}
		cert, _, err = certs.LoadCert(certPEM, id.CertFile)
		if err != nil {
			return nil, nil, false, err
		}
		keyPEM, err := os.ReadFile(id.KeyFile)
		if err != nil {
			return nil, nil, false, err
		}
		key, err = certs.LoadPrivateKey(keyPEM, id.KeyFile)
		if err != nil {
			return nil, nil, false, err
		}
	case id.SecretName != "":
		identity, err := certfinder.LoadIdentity(ctx, a.kube(), id.Namespace, id.SecretName)
		if err != nil {
			return nil, nil, false, err
		}
		cert, key = identity.Certificate, identity.PrivateKey
	default:
		return nil, nil, false, nil
	}

	result, err := certs.ValidateCertTimes(cert, a.cfg.WarningPeriod(), cert.Subject.String())
	if err != nil {
		return nil, nil, false, err
	}
	if result == certs.NotValidYet || result == certs.AfterExpiry {
		log.Warn().Str("subject", cert.Subject.String()).Stringer("validity", result).Msg("Signer certificate is outside its validity period")
	}
	return cert, key, true, nil
}

/**
builds a client that signs with signer, or with a throwaway self-signed certificate for key when signer is nil.
*/
func (a *app) client(key crypto.Signer, signer *x509.Certificate) (*requestor.Client, error) {
	if signer == nil {
		var err error
		if signer, err = requestor.MakeSelfSignedCert(key, a.cfg.Subject()); err != nil {
			return nil, err
		}
	}
	clientOpts, err := a.cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	server := a.cfg.Server.URL
	t := transport.NewClient(server, a.cfg.Server.Path, nil)
	return requestor.NewClient(t, key, signer, a.journal, clientOpts)
}

// bootstrapClient is for operations where who signs does not matter.
func (a *app) bootstrapClient() (*requestor.Client, error) {
	key, err := requestor.GenerateNewKey()
	if err != nil {
		return nil, err
	}
	return a.client(key, nil)
}

func (a *app) getCACaps(ctx context.Context) error {
	client, err := a.bootstrapClient()
	if err != nil {
		return err
	}
	caps, err := client.GetCACaps(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(caps, "\n"))
	return nil
}

func (a *app) getCACert(ctx context.Context, next bool) error {
	client, err := a.bootstrapClient()
	if err != nil {
		return err
	}
	var chain []*x509.Certificate
	if next {
		chain, err = client.GetNextCACert(ctx)
	} else {
		chain, err = client.GetCACert(ctx)
	}
	if err != nil {
		return err
	}
	for _, cert := range chain {
		os.Stdout.Write(certs.EncodeCertPEM(cert))
	}
	return nil
}

/**
enrolls a fresh key. The key is written out before the request is sent, as a PENDING request
can only be completed with it.
*/
func (a *app) enroll(ctx context.Context) error {
	if a.cfg.Enrollment.OutputKey == "" {
		return fmt.Errorf("enrollment.output_key is required to enroll")
	}
	key, err := requestor.GenerateNewKey()
	if err != nil {
		return err
	}
	keyPEM, err := certs.EncodeKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.cfg.Enrollment.OutputKey, keyPEM, 0600); err != nil {
		return err
	}

	var client *requestor.Client
	password := ""
	if opts.Renew {
		signer, signerKey, found, err := a.identity(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("--renew needs an identity to sign with")
		}
		signingKey, ok := signerKey.(crypto.Signer)
		if !ok {
			return fmt.Errorf("identity key cannot sign")
		}
		if client, err = a.client(signingKey, signer); err != nil {
			return err
		}
	} else {
		if password, err = a.cfg.ChallengePassword(); err != nil {
			return err
		}
		if client, err = a.client(key, nil); err != nil {
			return err
		}
	}

	subject := a.cfg.Subject()
	csr, err := requestor.MakeCSRFor(&subject, a.cfg.Enrollment.DNSNames, nil, key, password)
	if err != nil {
		return err
	}
	result, err := client.Enroll(ctx, csr, opts.Renew)
	if err != nil {
		return err
	}
	if result.Status == scep.PENDING && opts.Wait {
		result, err = client.PollUntilIssued(ctx, result.TransactionID, a.cfg.PollInterval(), a.cfg.Enrollment.MaxPolls)
		if err != nil {
			return err
		}
	}
	return a.finish(ctx, result, key, keyPEM)
}

// poll picks up pending enrollments, signing with the key each was enrolled with.
func (a *app) poll(ctx context.Context) error {
	keyPEM, err := os.ReadFile(a.cfg.Enrollment.OutputKey)
	if err != nil {
		return err
	}
	loaded, err := certs.LoadPrivateKey(keyPEM, a.cfg.Enrollment.OutputKey)
	if err != nil {
		return err
	}
	key, ok := loaded.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%s cannot sign", a.cfg.Enrollment.OutputKey)
	}
	client, err := a.client(key, nil)
	if err != nil {
		return err
	}

	transactions := []string{opts.Transaction}
	if opts.Transaction == "" {
		records, err := a.journal.List()
		if err != nil {
			return err
		}
		transactions = transactions[:0]
		for _, record := range records {
			transactions = append(transactions, record.TransactionID)
		}
		log.Info().Int("count", len(transactions)).Msg("Pending transactions")
	}

	for _, transactionID := range transactions {
		var result *requestor.Result
		if opts.Wait {
			result, err = client.PollUntilIssued(ctx, transactionID, a.cfg.PollInterval(), a.cfg.Enrollment.MaxPolls)
		} else {
			result, err = client.Poll(ctx, transactionID)
		}
		if err != nil {
			log.Error().Err(err).Str("transaction_id", transactionID).Msg("Poll failed")
			continue
		}
		if err := a.finish(ctx, result, key, keyPEM); err != nil {
			return err
		}
	}
	return nil
}

// finish writes out an issued certificate, with the rest of the chain after it.
func (a *app) finish(ctx context.Context, result *requestor.Result, key crypto.Signer, keyPEM []byte) error {
	if result.Status == scep.PENDING {
		log.Info().Str("transaction_id", result.TransactionID).Msg("Request is pending approval, poll later")
		return nil
	}
	issued := result.IssuedFor(key.Public())
	if issued == nil {
		return fmt.Errorf("CA returned %d certificates but none for the requested key", len(result.Certificates))
	}

	var chainPEM bytes.Buffer
	chainPEM.Write(certs.EncodeCertPEM(issued))
	for _, cert := range result.Certificates {
		if cert != issued {
			chainPEM.Write(certs.EncodeCertPEM(cert))
		}
	}
	log.Info().Str("subject", issued.Subject.String()).Time("not_after", issued.NotAfter).Msg("Certificate issued")

	if a.cfg.Enrollment.OutputCert != "" {
		if err := os.WriteFile(a.cfg.Enrollment.OutputCert, chainPEM.Bytes(), 0644); err != nil {
			return err
		}
	} else {
		os.Stdout.Write(chainPEM.Bytes())
	}
	if opts.Store {
		id := a.cfg.Identity
		if id.SecretName == "" {
			return fmt.Errorf("--store needs identity.namespace and identity.secret_name")
		}
		return certfinder.StoreIdentity(ctx, a.kube(), id.Namespace, id.SecretName, chainPEM.Bytes(), keyPEM)
	}
	return nil
}

/**
names the certificate getcert and getcrl ask about: --serial under the CA's issuer, or else the
configured signer identity.
*/
func (a *app) serialOf(ctx context.Context, client *requestor.Client) (scep.IssuerAndSerial, error) {
	if opts.Serial == "" {
		cert, _, found, err := a.identity(ctx)
		if err != nil {
			return scep.IssuerAndSerial{}, err
		}
		if !found {
			return scep.IssuerAndSerial{}, fmt.Errorf("--serial is required when there is no signer identity")
		}
		return scep.IssuerAndSerialOf(cert), nil
	}
	serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(opts.Serial), "0x"), 16)
	if !ok {
		return scep.IssuerAndSerial{}, fmt.Errorf("--serial %q is not a hex number", opts.Serial)
	}
	return client.IssuerAndSerial(ctx, serial)
}

func (a *app) getCert(ctx context.Context, crl bool) error {
	client, err := a.bootstrapClient()
	if err != nil {
		return err
	}
	serial, err := a.serialOf(ctx, client)
	if err != nil {
		return err
	}
	if !crl {
		cert, err := client.GetCert(ctx, serial)
		if err != nil {
			return err
		}
		os.Stdout.Write(certs.EncodeCertPEM(cert))
		return nil
	}

	crls, err := client.GetCRL(ctx, serial)
	if err != nil {
		return err
	}
	for _, list := range crls {
		log.Info().Str("issuer", list.Issuer.String()).Time("next_update", list.NextUpdate).Int("revoked", len(list.RevokedCertificateEntries)).Msg("CRL")
		os.Stdout.Write(certs.EncodeCRLPEM(list))
	}
	return nil
}

// check reports how close the configured identity, and every identity in the cluster, is to expiry.
func (a *app) check(ctx context.Context) error {
	warning := a.cfg.WarningPeriod()
	if cert, _, found, err := a.identity(ctx); err != nil {
		return err
	} else if found {
		report(cert, warning, "signer")
	}
	if a.cfg.Identity.SecretName == "" && a.cfg.Identity.Kubeconfig == "" && opts.Kubeconfig == "" {
		return nil
	}

	identities, err := certfinder.ScanForIdentities(ctx, a.kube())
	if err != nil {
		return err
	}
	for _, identity := range identities {
		report(identity.Certificate, warning, identity.Description())
	}
	return nil
}

func report(cert *x509.Certificate, warning time.Duration, description string) {
	result, err := certs.ValidateCertTimes(cert, warning, description)
	if err != nil {
		log.Error().Err(err).Str("certificate", description).Msg("Could not validate")
		return
	}
	event := log.Info()
	if result != certs.WithinRange {
		event = log.Warn()
	}
	event.Str("certificate", description).
		Stringer("validity", result).
		Float64("percent_used", certs.PercentUsed(&cert.NotBefore, &cert.NotAfter)).
		Msg("Certificate checked")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	args, err := flags.ParseArgs(&opts, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.LoadConfig(opts.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load configuration")
	}
	if opts.Server != "" {
		cfg.Server.URL = opts.Server
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Str("server", cfg.Server.URL).Str("command", args[0]).Msg("k8s-scepclient starting")

	journal, err := datapersistence.NewJournal(cfg.JournalDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open transaction journal")
	}
	a := &app{cfg: cfg, journal: journal}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "getcacaps":
		err = a.getCACaps(ctx)
	case "getcacert":
		err = a.getCACert(ctx, false)
	case "getnextcacert":
		err = a.getCACert(ctx, true)
	case "enroll":
		err = a.enroll(ctx)
	case "poll":
		err = a.poll(ctx)
	case "getcert":
		err = a.getCert(ctx, false)
	case "getcrl":
		err = a.getCert(ctx, true)
	case "check":
		err = a.check(ctx)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Failed")
	}
}
