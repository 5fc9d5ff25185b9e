package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/transport"
)

const (
	brokerCertSetting = "broker_tls_cert"
	brokerKeySetting  = "broker_tls_key"
)

// GenerateBrokerCertPair creates a self-signed ECDSA P-256 certificate valid
// for hosts, usable on both ends of a broker session. Nodes sharing the pair
// trust each other since the certificate is its own CA.
func GenerateBrokerCertPair(hosts []string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "nodelink-broker",
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return string(certPEMBytes), string(keyPEMBytes), nil
}

var (
	brokerCertMu  sync.Mutex
	brokerCertPEM string
	brokerKeyPEM  string
)

// BrokerCertPair returns the node's broker certificate, generating and
// persisting it on first use. The key is stored encrypted.
func BrokerCertPair(hosts []string) (certPEM, keyPEM string, err error) {
	brokerCertMu.Lock()
	defer brokerCertMu.Unlock()
	if brokerCertPEM != "" {
		return brokerCertPEM, brokerKeyPEM, nil
	}
	certPEM, keyPEM, err = loadOrGenerateBrokerCert(hosts)
	if err != nil {
		return "", "", err
	}
	brokerCertPEM, brokerKeyPEM = certPEM, keyPEM
	return certPEM, keyPEM, nil
}

// ResetBrokerCertCache clears the cached pair (for testing).
func ResetBrokerCertCache() {
	brokerCertMu.Lock()
	defer brokerCertMu.Unlock()
	brokerCertPEM, brokerKeyPEM = "", ""
}

func loadOrGenerateBrokerCert(hosts []string) (string, string, error) {
	certPEM, err := database.GetSetting(brokerCertSetting)
	if err == nil && certPEM != "" {
		encKeyPEM, err := database.GetSetting(brokerKeySetting)
		if err == nil && encKeyPEM != "" {
			keyPEM, err := Decrypt(encKeyPEM)
			if err == nil {
				return certPEM, string(keyPEM), nil
			}
		}
	} else if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", "", fmt.Errorf("load broker cert: %w", err)
	}

	certPEM, keyPEM, err := GenerateBrokerCertPair(hosts)
	if err != nil {
		return "", "", fmt.Errorf("generate broker cert: %w", err)
	}
	encKeyPEM, err := Encrypt([]byte(keyPEM))
	if err != nil {
		return "", "", fmt.Errorf("encrypt broker key: %w", err)
	}
	if err := database.SetSetting(brokerCertSetting, certPEM); err != nil {
		return "", "", fmt.Errorf("save broker cert: %w", err)
	}
	if err := database.SetSetting(brokerKeySetting, encKeyPEM); err != nil {
		return "", "", fmt.Errorf("save broker key: %w", err)
	}
	return certPEM, keyPEM, nil
}

// WriteTLSFiles writes the pair into dir for the broker's TLS loader. The
// certificate doubles as the CA bundle.
func WriteTLSFiles(dir, certPEM, keyPEM string) (transport.TLSFiles, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return transport.TLSFiles{}, fmt.Errorf("create tls directory: %w", err)
	}
	files := transport.TLSFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}
	for path, data := range map[string]string{files.CAFile: certPEM, files.CertFile: certPEM, files.KeyFile: keyPEM} {
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			return transport.TLSFiles{}, fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	return files, nil
}
