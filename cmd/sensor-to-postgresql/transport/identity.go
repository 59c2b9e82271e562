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

package transport

import (
	"crypto"
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// LoadServerTLSConfig reads a passphrase protected PKCS#12 bundle and builds
// the server side TLS configuration. minVersion is "1.2" or "1.3".
func LoadServerTLSConfig(path string, password string, minVersion string) (*tls.Config, error) {
	// #nosec G304 -- operator supplied identity path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, errors.New("identity key cannot sign")
	}

	chain := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}

	version := uint16(tls.VersionTLS12)
	switch minVersion {
	case "1.2", "":
	case "1.3":
		version = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported minimum TLS version %q", minVersion)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        cert,
		}},
		MinVersion: version,
	}, nil
}
