package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ensureTLSMaterial generates a throwaway self-signed TLS keypair under
// dir if one does not already exist, mirroring the original controller's
// ad-hoc certificate provisioning for the local signing proxy
// (original_source/tesla_controller.py's private-key/cert handling).
// Returns the cert and key file paths.
func ensureTLSMaterial(dir string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, "proxy-cert.pem")
	keyPath = filepath.Join(dir, "proxy-key.pem")

	if fileNonEmpty(certPath) && fileNonEmpty(keyPath) {
		return certPath, keyPath, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls dir: %w", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "offpeak-signing-proxy"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	certOut, err := os.Create(certPath)
	if err != nil {
		return "", "", fmt.Errorf("open cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", "", fmt.Errorf("write cert: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal tls key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("open key file: %w", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return "", "", fmt.Errorf("write tls key: %w", err)
	}
	return certPath, keyPath, nil
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

func removeTLSMaterial(dir string) error {
	return os.RemoveAll(dir)
}

func privateKeyReady(path string) bool {
	return fileNonEmpty(path)
}

// PrivateKeyReady reports whether the private key prerequisite for
// ensure_up is satisfied, for use by the Worker Dispatcher's pre-flight
// check (§4.6 step 2) independent of any particular Supervisor instance.
func PrivateKeyReady(path string) bool {
	return privateKeyReady(path)
}
