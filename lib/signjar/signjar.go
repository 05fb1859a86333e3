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

// Package signjar implements JAR signing (APK signature scheme v1): the
// manifest, the signature file and a PKCS#7 signature block per signer.
package signjar

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sassoftware/apksigner/lib/pkcs7"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/x509tools"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// DigestAlgorithm is a digest usable for JAR manifest entries and signatures
type DigestAlgorithm int

const (
	SHA1 DigestAlgorithm = iota + 1
	SHA256
)

func (d DigestAlgorithm) Hash() crypto.Hash {
	switch d {
	case SHA1:
		return crypto.SHA1
	case SHA256:
		return crypto.SHA256
	}
	return 0
}

// String returns the name used in manifest attributes
func (d DigestAlgorithm) String() string {
	return x509tools.HashNames[d.Hash()]
}

// ManifestAttr is the attribute holding an entry digest, e.g. SHA-256-Digest
func (d DigestAlgorithm) ManifestAttr() string {
	return d.String() + "-Digest"
}

// Compare returns a positive value if d is stronger than other
func (d DigestAlgorithm) Compare(other DigestAlgorithm) int {
	return int(d) - int(other)
}

// SignerConfig is one v1 signer
type SignerConfig struct {
	// Name is the signer name as it appears in signature file names
	Name            string
	Signer          crypto.Signer
	Certificates    []*x509.Certificate
	DigestAlgorithm DigestAlgorithm
}

// Entry is a file the caller must write into the archive
type Entry struct {
	Name string
	Data []byte
}

// SuggestedDigestAlgorithm picks the digest to sign with for the given key and
// the oldest platform version that must verify it
func SuggestedDigestAlgorithm(pub crypto.PublicKey, minSdk int) (DigestAlgorithm, error) {
	keyAlg, err := x509tools.KeyAlgorithm(pub)
	if err != nil {
		return 0, sigerrors.AlgorithmError{Scheme: "v1", Msg: "unsupported key algorithm", Err: err}
	}
	switch keyAlg {
	case "RSA":
		// SHA-256 with RSA is supported from JB MR2 onwards
		if minSdk < sigalg.JellyBeanMR2 {
			return SHA1, nil
		}
		return SHA256, nil
	case "DSA":
		// SHA-256 with DSA is supported from Lollipop onwards
		if minSdk < sigalg.Lollipop {
			return SHA1, nil
		}
		return SHA256, nil
	case "EC":
		if minSdk < sigalg.JellyBeanMR2 {
			return 0, sigerrors.AlgorithmError{
				Scheme:    "v1",
				Algorithm: "ECDSA",
				MinSdk:    minSdk,
				Msg:       "ECDSA signatures only supported for minSdkVersion 18 and higher",
			}
		}
		return SHA256, nil
	}
	return 0, sigerrors.AlgorithmError{Scheme: "v1", Msg: "unsupported key algorithm " + keyAlg}
}

const maxSignerNameLength = 8

// SafeSignerName converts name into a form usable as a JAR signer name: at
// most 8 characters of A-Z, 0-9, underscore and hyphen
func SafeSignerName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty signer name")
	}
	var out strings.Builder
	n := 0
	for _, c := range strings.ToUpper(name) {
		if n == maxSignerNameLength {
			break
		}
		n++
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out.WriteRune(c)
		} else {
			out.WriteByte('_')
		}
	}
	return out.String(), nil
}

func signatureBlockName(signer *SignerConfig) (string, error) {
	if len(signer.Certificates) == 0 {
		return "", fmt.Errorf("signer %s has no certificates", signer.Name)
	}
	keyAlg, err := x509tools.KeyAlgorithm(signer.Certificates[0].PublicKey)
	if err != nil {
		return "", err
	}
	return metaInf + signer.Name + "." + keyAlg, nil
}

// OutputEntryNames lists the entries a v1 signature made by signers consists
// of
func OutputEntryNames(signers []*SignerConfig) ([]string, error) {
	names := make([]string, 0, 2*len(signers)+1)
	for _, signer := range signers {
		blockName, err := signatureBlockName(signer)
		if err != nil {
			return nil, err
		}
		names = append(names, metaInf+signer.Name+".SF", blockName)
	}
	return append(names, ManifestName), nil
}

// IsEntryDigestNeededInManifest returns true if the named entry must be listed
// in the manifest with its digest
func IsEntryDigestNeededInManifest(name string) bool {
	// See https://docs.oracle.com/javase/8/docs/technotes/guides/jar/jar.html#Signed_JAR_File
	if strings.HasSuffix(name, "/") {
		return false
	}
	if !strings.HasPrefix(name, metaInf) {
		return true
	}
	base := name[len(metaInf):]
	if strings.Contains(base, "/") {
		return true
	}
	base = strings.ToLower(base)
	switch {
	case base == "manifest.mf",
		strings.HasSuffix(base, ".sf"),
		strings.HasSuffix(base, ".rsa"),
		strings.HasSuffix(base, ".dsa"),
		strings.HasSuffix(base, ".ec"),
		strings.HasPrefix(base, "sig-"):
		return false
	}
	return true
}

// GenerateManifest builds a manifest listing the given entry digests. The main
// section is taken from inputManifest when it is not nil.
func GenerateManifest(alg DigestAlgorithm, digests map[string][]byte, inputManifest []byte) (*Manifest, error) {
	var main Section
	if inputManifest != nil {
		sections, _ := splitManifest(inputManifest)
		if len(sections) == 0 {
			return nil, errors.New("input manifest has no main section")
		}
		var err error
		main, err = parseSection(sections[0])
		if err != nil {
			return nil, fmt.Errorf("input manifest: %w", err)
		}
	}
	if main.Get(attrManifestVersion) == "" {
		main.Set(attrManifestVersion, "1.0")
	}
	if inputManifest == nil {
		main.Set(attrCreatedBy, DefaultCreatedBy)
	}
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{
		Main:     main,
		Order:    names,
		Files:    make(map[string]Section, len(names)),
		Sections: make(map[string][]byte, len(names)),
	}
	var out bytes.Buffer
	writeSection(&out, main, attrManifestVersion)
	digestAttr := alg.ManifestAttr()
	for _, name := range names {
		section := Section{
			{Name: digestAttr, Value: base64.StdEncoding.EncodeToString(digests[name])},
		}
		var buf bytes.Buffer
		writeAttribute(&buf, attrName, name)
		for _, attr := range section {
			writeAttribute(&buf, attr.Name, attr.Value)
		}
		buf.WriteString("\r\n")
		m.Files[name] = append(Section{{Name: attrName, Value: name}}, section...)
		m.Sections[name] = buf.Bytes()
		out.Write(buf.Bytes())
	}
	m.Contents = out.Bytes()
	return m, nil
}

// ParseEntryDigests extracts the entry digests of the given algorithm from an
// existing manifest. Entries for which needed returns false are ignored.
func ParseEntryDigests(manifest []byte, alg DigestAlgorithm, needed func(string) bool) (map[string][]byte, error) {
	files, _, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}
	digests := make(map[string][]byte, len(files.Order))
	for _, name := range files.Order {
		if !IsEntryDigestNeededInManifest(name) || (needed != nil && !needed(name)) {
			continue
		}
		value := files.Files[name].Get(alg.ManifestAttr())
		if value == "" {
			continue
		}
		digest, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("manifest digest for %s: %w", name, err)
		}
		digests[name] = digest
	}
	return digests, nil
}

func formatSchemeIDs(ids []int) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	return strings.Join(strs, ", ")
}

// DigestManifest transforms a manifest into the matching signature file by
// digesting it whole and section by section
func DigestManifest(m *Manifest, alg DigestAlgorithm, schemeIDs []int, createdBy string) []byte {
	hash := alg.Hash()
	var main Section
	main.Set(attrSignatureVersion, "1.0")
	main.Set(attrCreatedBy, createdBy)
	if len(schemeIDs) != 0 {
		main.Set(AttrAndroidAPKSigned, formatSchemeIDs(schemeIDs))
	}
	main.Set(alg.String()+"-Digest-Manifest", hashSection(hash, m.Contents))
	var out bytes.Buffer
	writeSection(&out, main, attrSignatureVersion)
	names := make([]string, 0, len(m.Sections))
	for name := range m.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeAttribute(&out, attrName, name)
		writeAttribute(&out, alg.ManifestAttr(), hashSection(hash, m.Sections[name]))
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

// SignManifest produces the signature file and signature block for every
// signer, followed by the manifest itself
func SignManifest(signers []*SignerConfig, alg DigestAlgorithm, schemeIDs []int, createdBy string, m *Manifest) ([]Entry, error) {
	if len(signers) == 0 {
		return nil, errors.New("no v1 signers")
	}
	if createdBy == "" {
		createdBy = DefaultCreatedBy
	}
	sf := DigestManifest(m, alg, schemeIDs, createdBy)
	entries := make([]Entry, 0, 2*len(signers)+1)
	for _, signer := range signers {
		blockName, err := signatureBlockName(signer)
		if err != nil {
			return nil, err
		}
		psd, err := pkcs7.SignDetached(sf, signer.Signer, signer.Certificates, signer.DigestAlgorithm.Hash())
		if err != nil {
			return nil, sigerrors.AlgorithmError{Scheme: "v1", Signer: signer.Name, Algorithm: signer.DigestAlgorithm.String(), Msg: "failed to sign signature file", Err: err}
		}
		block, err := psd.Marshal()
		if err != nil {
			return nil, err
		}
		entries = append(entries,
			Entry{Name: metaInf + signer.Name + ".SF", Data: sf},
			Entry{Name: blockName, Data: block},
		)
	}
	return append(entries, Entry{Name: ManifestName, Data: m.Contents}), nil
}

// Sign generates a manifest from the entry digests and signs it
func Sign(signers []*SignerConfig, alg DigestAlgorithm, digests map[string][]byte, schemeIDs []int, inputManifest []byte, createdBy string) ([]Entry, error) {
	m, err := GenerateManifest(alg, digests, inputManifest)
	if err != nil {
		return nil, err
	}
	return SignManifest(signers, alg, schemeIDs, createdBy, m)
}
