package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Certs contains a CA and the server and client certs it signed, for configuring mTLS.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// ClientTLSConfig builds a client config trusting caCertPEM. The client key pair is optional.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{}
	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPEM) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.RootCAs = caCertPool
	}
	if len(certPEM) > 0 || len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds a server config. If clientCAPEM is set, clients must present a cert signed by it.
func ServerTLSConfig(certPEM, keyPEM, clientCAPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}
	if len(clientCAPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(clientCAPEM) {
			return nil, errors.New("no certificates found in client CA PEM")
		}
		cfg.ClientCAs = caCertPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func buildCACert(subject *pkix.Name) (CACert, error) {
	serialNumber, err := randSerial()
	if err != nil {
		return CACert{}, err
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}
	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func randSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func buildCert(ca CACert, subject *pkix.Name, hosts []string) (*Cert, error) {
	serialNumber, err := randSerial()
	if err != nil {
		return nil, err
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a throwaway CA with a server cert valid for hosts and a client cert.
func GenerateCerts(hosts ...string) (*Certs, error) {
	caCert, err := buildCACert(&pkix.Name{CommonName: "kubecp CA"})
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverCert, err := buildCert(caCert, &pkix.Name{CommonName: "kubecp server"}, hosts)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientCert, err := buildCert(caCert, &pkix.Name{CommonName: "kubecp client"}, nil)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}
