/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ickey computes the canonical cache key (fingerprint) for a request.
package ickey

import (
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Key is a 128-bit digest over method+canonical-URL, plus a public/private marker.
// Two Keys are equal iff their Hi/Lo halves match bit-exactly.
type Key struct {
	Hi uint64
	Lo uint64

	private bool
	// seq disambiguates private keys so that they never collide, even
	// when derived from byte-identical method+URL input.
	seq uint64
}

var privateSeq atomic.Uint64

// defaultPort maps a scheme to the port assumed when a URL omits one.
var defaultPort = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// Canonicalize lowercases scheme and host, defaults the port by scheme, and
// leaves the path byte-exact, per spec: "preserves path byte-exactly".
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		port = defaultPort[u.Scheme]
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u.String(), nil
}

// KeyOf computes the canonical cache key for method+url. When private is true
// the returned Key is unique regardless of method+URL equality (it never
// matches any other Key, including one built from identical inputs).
func KeyOf(method, rawURL string, private bool) (Key, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return Key{}, err
	}
	if private {
		return Key{private: true, seq: privateSeq.Add(1)}, nil
	}
	input := strings.ToUpper(method) + " " + canon
	// two independently-seeded 64-bit digests concatenated make a 128-bit key;
	// xxhash has no native 128-bit variant, so we derive the second half from
	// a distinct seed rather than hashing the digest of the digest.
	hi := xxhash.Sum64String(input)
	lo := xxhash.Sum64String(input + "\x00" + strconv.FormatUint(hi, 16))
	return Key{Hi: hi, Lo: lo}, nil
}

// IsPublic reports whether k may be collapsed/matched against other keys.
func IsPublic(k Key) bool {
	return !k.private
}

// Equal reports bit-exact equality. Private keys are never equal to any
// other key, even one built from identical method+URL input.
func (k Key) Equal(other Key) bool {
	if k.private || other.private {
		return false
	}
	return k.Hi == other.Hi && k.Lo == other.Lo
}

// String renders the key as a hex digest, useful for logs.
func (k Key) String() string {
	if k.private {
		return "private:" + strconv.FormatUint(k.seq, 16)
	}
	return strconv.FormatUint(k.Hi, 16) + strconv.FormatUint(k.Lo, 16)
}
