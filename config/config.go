package config

import (
	"crypto"
	"crypto/x509/pkix"
	"os"
	"strings"
	"time"

	"github.com/guardian/k8s-scepclient/requestor"
	"github.com/guardian/k8s-scepclient/scep"
	"gopkg.in/errgo.v2/fmt/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the client configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Identity   IdentityConfig   `yaml:"identity"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`

	// JournalDir keeps in-flight transactions so pending requests survive a restart
	JournalDir string `yaml:"journal_dir"`
}

// ServerConfig says where the SCEP server is
type ServerConfig struct {
	URL            string `yaml:"url"`
	Path           string `yaml:"path"`
	CAIdentifier   string `yaml:"ca_identifier"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CryptoConfig holds algorithm choices. Empty digest and cipher defer to the CA's capabilities.
type CryptoConfig struct {
	SigningDigest     string `yaml:"signing_digest"`
	Cipher            string `yaml:"cipher"`
	FingerprintDigest string `yaml:"fingerprint_digest"`
	NoncePolicy       string `yaml:"nonce_policy"`
}

// IdentityConfig says where the signing identity lives: PEM files, or a kubernetes.io/tls secret
type IdentityConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	Namespace  string `yaml:"namespace"`
	SecretName string `yaml:"secret_name"`
	Kubeconfig string `yaml:"kubeconfig"`

	// WarningPeriodDays is how close to expiry a signer may get before it is reported
	WarningPeriodDays int `yaml:"warning_period_days"`
}

// EnrollmentConfig describes the certificate to request and what to do with it
type EnrollmentConfig struct {
	CommonName            string   `yaml:"common_name"`
	Organization          []string `yaml:"organization"`
	DNSNames              []string `yaml:"dns_names"`
	ChallengePassword     string   `yaml:"challenge_password"`
	ChallengePasswordFile string   `yaml:"challenge_password_file"`
	PollIntervalSeconds   int      `yaml:"poll_interval_seconds"`
	MaxPolls              int      `yaml:"max_polls"`
	OutputCert            string   `yaml:"output_cert"`
	OutputKey             string   `yaml:"output_key"`
}

// LoadConfig loads configuration from a YAML file, over the defaults. A missing file gives the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return nil, errors.Notef(err, nil, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Notef(err, nil, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Path:           "/certsrv/mscep/",
			TimeoutSeconds: 30,
		},
		Crypto: CryptoConfig{
			FingerprintDigest: "SHA-256",
			NoncePolicy:       string(scep.NoncePolicyStrict),
		},
		Identity: IdentityConfig{
			WarningPeriodDays: 30,
		},
		Enrollment: EnrollmentConfig{
			PollIntervalSeconds: 60,
			MaxPolls:            60,
		},
		JournalDir: "/var/lib/k8s-scepclient/journal",
	}
}

// Validate checks everything that can be checked without contacting the server.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return errors.Newf("server.url %q must be http or https", c.Server.URL)
	}
	if _, err := c.ClientOptions(); err != nil {
		return err
	}
	if (c.Identity.CertFile == "") != (c.Identity.KeyFile == "") {
		return errors.New("identity.cert_file and identity.key_file go together")
	}
	if (c.Identity.Namespace == "") != (c.Identity.SecretName == "") {
		return errors.New("identity.namespace and identity.secret_name go together")
	}
	if c.Identity.CertFile != "" && c.Identity.SecretName != "" {
		return errors.New("identity can come from files or from a secret, not both")
	}
	if c.Enrollment.PollIntervalSeconds <= 0 {
		return errors.New("enrollment.poll_interval_seconds must be positive")
	}
	return nil
}

// ClientOptions turns the algorithm names into the options of a SCEP client.
func (c *Config) ClientOptions() (requestor.Options, error) {
	opts := requestor.Options{CA: c.Server.CAIdentifier}
	var err error
	if c.Crypto.SigningDigest != "" {
		if opts.Digest, err = scep.ParseDigestAlgorithm(c.Crypto.SigningDigest); err != nil {
			return opts, errors.Notef(err, nil, "crypto.signing_digest")
		}
		if opts.Digest == crypto.MD5 || opts.Digest == crypto.SHA224 {
			return opts, errors.Newf("crypto.signing_digest %s cannot sign a pkiMessage", c.Crypto.SigningDigest)
		}
	}
	if c.Crypto.Cipher != "" {
		if opts.Cipher, err = scep.ParseCipherAlgorithm(c.Crypto.Cipher); err != nil {
			return opts, errors.Notef(err, nil, "crypto.cipher")
		}
	}
	if c.Crypto.FingerprintDigest != "" {
		if opts.FingerprintDigest, err = scep.ParseDigestAlgorithm(c.Crypto.FingerprintDigest); err != nil {
			return opts, errors.Notef(err, nil, "crypto.fingerprint_digest")
		}
	}
	if opts.NoncePolicy, err = scep.ParseNoncePolicy(c.Crypto.NoncePolicy); err != nil {
		return opts, err
	}
	return opts, nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Enrollment.PollIntervalSeconds) * time.Second
}

func (c *Config) WarningPeriod() time.Duration {
	return time.Duration(c.Identity.WarningPeriodDays) * 24 * time.Hour
}

// Subject is the distinguished name to enroll.
func (c *Config) Subject() pkix.Name {
	return pkix.Name{CommonName: c.Enrollment.CommonName, Organization: c.Enrollment.Organization}
}

// ChallengePassword reads the password file when one is configured, which takes precedence.
func (c *Config) ChallengePassword() (string, error) {
	if c.Enrollment.ChallengePasswordFile == "" {
		return c.Enrollment.ChallengePassword, nil
	}
	content, err := os.ReadFile(c.Enrollment.ChallengePasswordFile)
	if err != nil {
		return "", errors.Notef(err, nil, "cannot read challenge password")
	}
	return strings.TrimSpace(string(content)), nil
}
