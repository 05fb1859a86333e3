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

package apkscheme

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
)

// VerifiedSigner is a signer whose signatures and content digests checked out
type VerifiedSigner struct {
	Scheme int
	// Certificates starts with the signing certificate
	Certificates  []*x509.Certificate
	Signatures    []sigalg.Signature
	MinSdkVersion int
	MaxSdkVersion int
	// Lineage is the proof-of-rotation carried by a v3 signer
	Lineage *lineage.Lineage
	// StrippingProtection is the newer scheme a v2 signer claims was also
	// applied, or 0
	StrippingProtection uint32
}

type parsedSigner struct {
	VerifiedSigner
	signedData []byte
	signatures []apkblock.IDValue
	digests    []apkblock.IDValue
	publicKey  []byte
	recordMin  uint32
	recordMax  uint32
}

// VerifyV2Block checks the value of a v2 scheme pair against the APK sections
// it protects. Signatures are selected for the platform range [minSdk, maxSdk],
// where minSdk is raised to N as older platforms ignore v2.
func VerifyV2Block(ctx context.Context, exec apkdigest.Executor, veritySalt []byte, value []byte, sections apkdigest.Sections, minSdk, maxSdk int) ([]*VerifiedSigner, error) {
	if minSdk < sigalg.N {
		minSdk = sigalg.N
	}
	items, err := signerRecords("v2 signers", value)
	if err != nil {
		return nil, err
	}
	parsed := make([]*parsedSigner, len(items))
	for i, item := range items {
		p, err := parseSigner(SchemeV2, i+1, item)
		if err != nil {
			return nil, err
		}
		if err := p.verify(minSdk, maxSdk); err != nil {
			return nil, fmt.Errorf("v2 signer #%d: %w", i+1, err)
		}
		parsed[i] = p
	}
	return checkDigests(ctx, exec, veritySalt, sections, parsed)
}

// VerifyV3Block checks the value of a v3 scheme pair. Signers whose SDK range
// falls outside [minSdk, maxSdk] are ignored; the rest must cover the range
// without gaps or overlaps.
func VerifyV3Block(ctx context.Context, exec apkdigest.Executor, veritySalt []byte, value []byte, sections apkdigest.Sections, minSdk, maxSdk int) ([]*VerifiedSigner, error) {
	items, err := signerRecords("v3 signers", value)
	if err != nil {
		return nil, err
	}
	var parsed []*parsedSigner
	for i, item := range items {
		p, err := parseSigner(SchemeV3, i+1, item)
		if err != nil {
			return nil, err
		}
		if p.MinSdkVersion > maxSdk || p.MaxSdkVersion < minSdk {
			continue
		}
		lo, hi := p.MinSdkVersion, p.MaxSdkVersion
		if lo < minSdk {
			lo = minSdk
		}
		if hi > maxSdk {
			hi = maxSdk
		}
		if err := p.verify(lo, hi); err != nil {
			return nil, fmt.Errorf("v3 signer #%d: %w", i+1, err)
		}
		parsed = append(parsed, p)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no v3 signers apply to SDK versions %d to %d", minSdk, maxSdk)
	}
	if err := checkSdkCoverage(parsed, minSdk, maxSdk); err != nil {
		return nil, err
	}
	if err := checkLineages(parsed); err != nil {
		return nil, err
	}
	return checkDigests(ctx, exec, veritySalt, sections, parsed)
}

func signerRecords(field string, value []byte) ([][]byte, error) {
	r := apkblock.NewReader(field, value)
	list, err := r.Sub(field)
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	items, err := list.Sequence()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("no signers in " + field)
	}
	return items, nil
}

func parseSigner(scheme, index int, record []byte) (*parsedSigner, error) {
	p := &parsedSigner{VerifiedSigner: VerifiedSigner{Scheme: scheme}}
	r := apkblock.NewReader(fmt.Sprintf("v%d signer #%d", scheme, index), record)
	var err error
	if p.signedData, err = r.LengthPrefixed(); err != nil {
		return nil, err
	}
	if scheme == SchemeV3 {
		if p.recordMin, err = r.Uint32(); err != nil {
			return nil, err
		}
		if p.recordMax, err = r.Uint32(); err != nil {
			return nil, err
		}
	}
	sigs, err := r.Sub("signatures")
	if err != nil {
		return nil, err
	}
	if p.signatures, err = sigs.IDValuePairs(); err != nil {
		return nil, err
	}
	if p.publicKey, err = r.LengthPrefixed(); err != nil {
		return nil, err
	}

	sd := apkblock.NewReader("signed data", p.signedData)
	digests, err := sd.Sub("digests")
	if err != nil {
		return nil, err
	}
	if p.digests, err = digests.IDValuePairs(); err != nil {
		return nil, err
	}
	certList, err := sd.Sub("certificates")
	if err != nil {
		return nil, err
	}
	certs, err := certList.Sequence()
	if err != nil {
		return nil, err
	}
	for i, der := range certs {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("certificate #%d: %w", i+1, err)
		}
		p.Certificates = append(p.Certificates, cert)
	}
	if scheme == SchemeV3 {
		sdMin, err := sd.Uint32()
		if err != nil {
			return nil, err
		}
		sdMax, err := sd.Uint32()
		if err != nil {
			return nil, err
		}
		if sdMin != p.recordMin || sdMax != p.recordMax {
			return nil, fmt.Errorf("v3 signer #%d: SDK versions in signed data (%d-%d) do not match signer record (%d-%d)", index, sdMin, sdMax, p.recordMin, p.recordMax)
		}
		p.MinSdkVersion, p.MaxSdkVersion = int(sdMin), int(sdMax)
		if sdMin > sdMax {
			return nil, fmt.Errorf("v3 signer #%d: minSdkVersion %d > maxSdkVersion %d", index, sdMin, sdMax)
		}
	} else {
		p.MinSdkVersion, p.MaxSdkVersion = sigalg.N, sigalg.MaxSdk
	}
	attrList, err := sd.Sub("additional attributes")
	if err != nil {
		return nil, err
	}
	attrs, err := attrList.Sequence()
	if err != nil {
		return nil, err
	}
	// anything after the attributes is reserved and ignored
	for _, attr := range attrs {
		if len(attr) < 4 {
			return nil, fmt.Errorf("v%d signer #%d: truncated additional attribute", scheme, index)
		}
		id, value := binary.LittleEndian.Uint32(attr), attr[4:]
		switch {
		case scheme == SchemeV2 && id == StrippingProtectionAttrID:
			if len(value) < 4 {
				return nil, fmt.Errorf("v2 signer #%d: truncated stripping protection attribute", index)
			}
			p.StrippingProtection = binary.LittleEndian.Uint32(value)
		case scheme == SchemeV3 && id == lineage.ProofOfRotationAttrID:
			if p.Lineage, err = lineage.Decode(value); err != nil {
				return nil, fmt.Errorf("v3 signer #%d: %w", index, err)
			}
		}
	}
	return p, nil
}

// verify the signatures over signed data that a platform in [minSdk, maxSdk]
// would check
func (p *parsedSigner) verify(minSdk, maxSdk int) error {
	if len(p.Certificates) == 0 {
		return errors.New("no certificates")
	}
	if !bytes.Equal(p.Certificates[0].RawSubjectPublicKeyInfo, p.publicKey) {
		return errors.New("public key does not match the first certificate")
	}
	pub, err := x509.ParsePKIXPublicKey(p.publicKey)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	var sigs []sigalg.Signature
	for _, pair := range p.signatures {
		alg, err := sigalg.ByID(pair.ID)
		if err != nil {
			// unknown algorithms are for newer platforms
			continue
		}
		sigs = append(sigs, sigalg.Signature{Algorithm: alg, Value: pair.Value})
	}
	selected, err := sigalg.SelectSignatures(sigs, minSdk, maxSdk)
	if err != nil {
		return err
	}
	for _, sig := range selected {
		if err := sig.Algorithm.Verify(pub, p.signedData, sig.Value); err != nil {
			return err
		}
	}
	sigIDs := make([]uint32, len(p.signatures))
	for i, pair := range p.signatures {
		sigIDs[i] = pair.ID
	}
	digestIDs := make([]uint32, len(p.digests))
	for i, pair := range p.digests {
		digestIDs[i] = pair.ID
	}
	slices.Sort(sigIDs)
	slices.Sort(digestIDs)
	if !slices.Equal(sigIDs, digestIDs) {
		return errors.New("signature algorithms don't match between digests and signatures records")
	}
	p.Signatures = selected
	return nil
}

func checkSdkCoverage(parsed []*parsedSigner, minSdk, maxSdk int) error {
	sorted := append([]*parsedSigner(nil), parsed...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinSdkVersion < sorted[j].MinSdkVersion })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MinSdkVersion != sorted[i-1].MaxSdkVersion+1 {
			return fmt.Errorf("v3 signers have inconsistent SDK versions: %d-%d then %d-%d",
				sorted[i-1].MinSdkVersion, sorted[i-1].MaxSdkVersion, sorted[i].MinSdkVersion, sorted[i].MaxSdkVersion)
		}
	}
	floor := minSdk
	if floor < sigalg.P {
		floor = sigalg.P
	}
	if first := sorted[0].MinSdkVersion; first > floor {
		return fmt.Errorf("v3 signers do not cover SDK versions %d to %d", floor, first-1)
	}
	if last := sorted[len(sorted)-1].MaxSdkVersion; last < maxSdk {
		return fmt.Errorf("v3 signers do not cover SDK versions %d to %d", last+1, maxSdk)
	}
	return nil
}

// every signer's lineage must end at its own certificate, and the newest
// lineage must include every older signer
func checkLineages(parsed []*parsedSigner) error {
	var newest *parsedSigner
	for _, p := range parsed {
		if p.Lineage == nil {
			continue
		}
		tail := p.Lineage.Nodes[len(p.Lineage.Nodes)-1].Certificate
		if !tail.Equal(p.Certificates[0]) {
			return errors.New("v3 signer lineage does not end with the signer's certificate")
		}
		if newest == nil || p.MaxSdkVersion > newest.MaxSdkVersion {
			newest = p
		}
	}
	if newest == nil {
		if len(parsed) > 1 {
			return errors.New("multiple v3 signers without a signing certificate lineage")
		}
		return nil
	}
	for _, p := range parsed {
		if !newest.Lineage.Contains(p.Certificates[0]) {
			return fmt.Errorf("v3 signer %s is not in the signing certificate lineage", p.Certificates[0].Subject)
		}
	}
	return nil
}

// recompute the content digests named by the selected signatures and compare
// them with the signed digests
func checkDigests(ctx context.Context, exec apkdigest.Executor, veritySalt []byte, sections apkdigest.Sections, parsed []*parsedSigner) ([]*VerifiedSigner, error) {
	var algs []*sigalg.Algorithm
	for _, p := range parsed {
		for _, sig := range p.Signatures {
			algs = append(algs, sig.Algorithm)
		}
	}
	actual, err := apkdigest.ComputeContentDigests(ctx, exec, veritySalt, sigalg.ContentDigests(algs), sections)
	if err != nil {
		return nil, err
	}
	ret := make([]*VerifiedSigner, len(parsed))
	for i, p := range parsed {
		for _, sig := range p.Signatures {
			var expected []byte
			for _, d := range p.digests {
				if d.ID == sig.Algorithm.ID {
					expected = d.Value
					break
				}
			}
			if !hmac.Equal(expected, actual[sig.Algorithm.ContentDigest]) {
				return nil, fmt.Errorf("v%d signer #%d: %s digest of APK contents does not match", p.Scheme, i+1, sig.Algorithm.ContentDigest)
			}
		}
		v := p.VerifiedSigner
		ret[i] = &v
	}
	return ret, nil
}
