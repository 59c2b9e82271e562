// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testhelper provides loggers and throwaway TLS identities for tests.
package testhelper

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"software.sslmate.com/src/go-pkcs12"
)

func Logger(t testing.TB) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// Identity is a self-signed certificate and its key.
type Identity struct {
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey
}

// SelfSigned creates an identity valid for localhost and 127.0.0.1.
func SelfSigned(t testing.TB, commonName string) Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generating serial: %s", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %s", err)
	}
	return Identity{Certificate: cert, Key: key}
}

// CertPool trusts only this identity.
func (id Identity) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(id.Certificate)
	return pool
}

// WritePKCS12 stores the identity as a password protected PKCS#12 bundle.
func (id Identity) WritePKCS12(t testing.TB, password string) string {
	t.Helper()

	pfx, err := pkcs12.Modern.Encode(id.Key, id.Certificate, nil, password)
	if err != nil {
		t.Fatalf("encoding pkcs12: %s", err)
	}
	path := filepath.Join(t.TempDir(), "identity.p12")
	if err = os.WriteFile(path, pfx, 0o600); err != nil {
		t.Fatalf("writing pkcs12: %s", err)
	}
	return path
}

// WritePEM stores certificate and key as PEM files. A non-empty password
// encrypts the key block.
func (id Identity) WritePEM(t testing.TB, password string) (certPath string, keyPath string) {
	t.Helper()

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Certificate.Raw})

	keyDER, err := x509.MarshalECPrivateKey(id.Key)
	if err != nil {
		t.Fatalf("marshalling key: %s", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}
	if password != "" {
		//nolint:staticcheck
		block, err = x509.EncryptPEMBlock(rand.Reader, block.Type, keyDER, []byte(password), x509.PEMCipherAES256)
		if err != nil {
			t.Fatalf("encrypting key: %s", err)
		}
	}

	if err = os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("writing certificate: %s", err)
	}
	if err = os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing key: %s", err)
	}
	return certPath, keyPath
}
