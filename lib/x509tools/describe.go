//
// Copyright (c) SAS Institute Inc.
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
//

package x509tools

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// FormatSubject renders the certificate subject in RFC 2253 form
func FormatSubject(cert *x509.Certificate) string {
	return cert.Subject.String()
}

// Fingerprint returns the colon-separated hex digest of the certificate
func Fingerprint(cert *x509.Certificate, hash crypto.Hash) string {
	d := hash.New()
	d.Write(cert.Raw)
	digest := hex.EncodeToString(d.Sum(nil))
	var b strings.Builder
	for i := 0; i < len(digest); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToUpper(digest[i : i+2]))
	}
	return b.String()
}
