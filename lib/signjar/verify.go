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

package signjar

import (
	"archive/zip"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sassoftware/apksigner/lib/pkcs7"
	"github.com/sassoftware/apksigner/lib/x509tools"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// digests accepted by the verifier, strongest first
var verifyDigests = []DigestAlgorithm{SHA256, SHA1}

type VerifiedSigner struct {
	Name string
	// Certificates starts with the signing certificate
	Certificates []*x509.Certificate
	Hash         crypto.Hash
}

type VerifyResult struct {
	Signers []VerifiedSigner
	// APKSigned lists the signature schemes named by X-Android-APK-Signed
	APKSigned []int
}

func readZipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Verify checks the JAR signatures in an archive and the digests of every
// entry they cover
func Verify(zr *zip.Reader) (*VerifyResult, error) {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if _, ok := files[f.Name]; ok {
			return nil, fmt.Errorf("duplicate entry %s", f.Name)
		}
		files[f.Name] = f
	}
	mf := files[ManifestName]
	if mf == nil {
		return nil, sigerrors.NotSignedError{Type: "JAR"}
	}
	manifest, err := readZipFile(mf)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	parsed, _, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}
	var sfNames []string
	for name := range files {
		base := strings.TrimPrefix(name, metaInf)
		if base != name && !strings.Contains(base, "/") && strings.HasSuffix(strings.ToUpper(base), ".SF") {
			sfNames = append(sfNames, name)
		}
	}
	if len(sfNames) == 0 {
		return nil, sigerrors.NotSignedError{Type: "JAR"}
	}
	sort.Strings(sfNames)
	result := new(VerifyResult)
	for _, sfName := range sfNames {
		signer, apkSigned, err := verifySignatureFile(files, sfName, manifest, parsed)
		if err != nil {
			return nil, err
		}
		result.Signers = append(result.Signers, signer)
		if result.APKSigned == nil {
			result.APKSigned = apkSigned
		}
	}
	if err := verifyEntries(zr, files, parsed); err != nil {
		return nil, err
	}
	return result, nil
}

func verifySignatureFile(files map[string]*zip.File, sfName string, manifest []byte, parsed *Manifest) (VerifiedSigner, []int, error) {
	stem := sfName[:len(sfName)-len(".SF")]
	var blockFile *zip.File
	for _, ext := range []string{".RSA", ".EC", ".DSA"} {
		if f := files[stem+ext]; f != nil {
			blockFile = f
			break
		}
	}
	if blockFile == nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: signature block not found", sfName)
	}
	sf, err := readZipFile(files[sfName])
	if err != nil {
		return VerifiedSigner{}, nil, err
	}
	block, err := readZipFile(blockFile)
	if err != nil {
		return VerifiedSigner{}, nil, err
	}
	psd, err := pkcs7.Parse(block)
	if err != nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: %w", blockFile.Name, err)
	}
	sig, err := psd.Content.Verify(sf)
	if err != nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: %w", blockFile.Name, err)
	}
	hash, _ := x509tools.PkixDigestToHash(sig.SignerInfo.DigestAlgorithm)
	signer := VerifiedSigner{
		Name:         strings.TrimPrefix(stem, metaInf),
		Certificates: []*x509.Certificate{sig.Certificate},
		Hash:         hash,
	}
	for _, cert := range sig.Intermediates {
		if !cert.Equal(sig.Certificate) {
			signer.Certificates = append(signer.Certificates, cert)
		}
	}
	sigFile, _, err := parseManifest(sf)
	if err != nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: %w", sfName, err)
	}
	if err := checkManifestDigests(sigFile, manifest, parsed); err != nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: %w", sfName, err)
	}
	apkSigned, err := parseSchemeIDs(sigFile.Main.Get(AttrAndroidAPKSigned))
	if err != nil {
		return VerifiedSigner{}, nil, fmt.Errorf("%s: %w", sfName, err)
	}
	return signer, apkSigned, nil
}

// checkManifestDigests confirms that the signature file covers the manifest,
// either whole or section by section
func checkManifestDigests(sigFile *Manifest, manifest []byte, parsed *Manifest) error {
	for _, alg := range verifyDigests {
		expected := sigFile.Main.Get(alg.String() + "-Digest-Manifest")
		if expected == "" {
			continue
		}
		if hashSection(alg.Hash(), manifest) == expected {
			return nil
		}
		break
	}
	// fall back to the individual sections, all of which must be covered
	for _, name := range parsed.Order {
		section := sigFile.Files[name]
		if section == nil {
			return fmt.Errorf("manifest section for %s is not signed", name)
		}
		if err := checkDigest(section, parsed.Sections[name], name); err != nil {
			return err
		}
	}
	return nil
}

// checkDigest compares the strongest digest attribute in section against
// contents
func checkDigest(section Section, contents []byte, name string) error {
	for _, alg := range verifyDigests {
		expected := section.Get(alg.ManifestAttr())
		if expected == "" {
			continue
		}
		if calculated := hashSection(alg.Hash(), contents); calculated != expected {
			return fmt.Errorf("%w: %s for %s: expected %s, calculated %s", errDigestMismatch, alg.ManifestAttr(), name, expected, calculated)
		}
		return nil
	}
	return fmt.Errorf("no supported digest for %s", name)
}

func verifyEntries(zr *zip.Reader, files map[string]*zip.File, parsed *Manifest) error {
	for _, f := range zr.File {
		if !IsEntryDigestNeededInManifest(f.Name) {
			continue
		}
		section := parsed.Files[f.Name]
		if section == nil {
			return fmt.Errorf("entry %s is not listed in the manifest", f.Name)
		}
		contents, err := readZipFile(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}
		if err := checkDigest(section, contents, f.Name); err != nil {
			return err
		}
	}
	for _, name := range parsed.Order {
		if files[name] == nil {
			return fmt.Errorf("manifest lists %s which is not in the archive", name)
		}
	}
	return nil
}

func parseSchemeIDs(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}
	var ids []int
	for _, field := range strings.Split(value, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("malformed %s attribute: %w", AttrAndroidAPKSigned, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var errDigestMismatch = errors.New("digest mismatch")
