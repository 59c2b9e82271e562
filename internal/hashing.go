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
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/xxh3"
)

// AsXXHash returns the XXHash128 of the given inputs.
// This hash is extremely fast and reasonable for use as a key in a cache.
// Inputs are length prefixed, so ("ab", "c") and ("a", "bc") differ.
func AsXXHash(inputs ...string) []byte {
	h := xxh3.New()
	var length [8]byte
	for _, input := range inputs {
		binary.LittleEndian.PutUint64(length[:], uint64(len(input)))
		// xxh3.Hasher never returns write errors
		_, _ = h.Write(length[:])
		_, _ = h.Write([]byte(input))
	}
	return Uint128ToBytes(h.Sum128())
}

// CacheKey joins a namespace and the hex encoded XXHash of parts.
func CacheKey(namespace string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(namespace)
	sb.WriteByte('/')
	sb.WriteString(hex.EncodeToString(AsXXHash(parts...)))
	return sb.String()
}

// Uint128ToBytes converts a uint128 to a byte array
func Uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
