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

package internal

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ClientTLSFiles names the PEM files of a client side TLS identity.
// Every field is optional.
type ClientTLSFiles struct {
	CAPath             string `yaml:"ca_path"`
	CertPath           string `yaml:"cert_path"`
	KeyPath            string `yaml:"key_path"`
	KeyPass            string `yaml:"key_pass"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// NewClientTLSConfig builds the tls.Config used towards brokers.
// The private key may be a legacy passphrase protected PEM block.
func NewClientTLSConfig(files ClientTLSFiles) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// #nosec G402
		InsecureSkipVerify: files.InsecureSkipVerify,
	}

	if files.CAPath != "" {
		pemCerts, err := os.ReadFile(files.CAPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		certpool := x509.NewCertPool()
		if !certpool.AppendCertsFromPEM(pemCerts) {
			return nil, fmt.Errorf("no certificates found in %s", files.CAPath)
		}
		config.RootCAs = certpool
	}

	if files.CertPath == "" && files.KeyPath == "" {
		return config, nil
	}
	if files.CertPath == "" || files.KeyPath == "" {
		return nil, errors.New("client certificate and key must be configured together")
	}

	certPEM, err := os.ReadFile(files.CertPath)
	if err != nil {
		return nil, fmt.Errorf("reading client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(files.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading client key: %w", err)
	}
	if files.KeyPass != "" {
		keyPEM, err = decryptPEMKey(keyPEM, files.KeyPass)
		if err != nil {
			return nil, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading client key pair: %w", err)
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate: %w", err)
	}
	config.Certificates = []tls.Certificate{cert}
	return config, nil
}

func decryptPEMKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("client key is not PEM encoded")
	}
	//nolint:staticcheck // RFC 1423 PEM encryption
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypting client key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
