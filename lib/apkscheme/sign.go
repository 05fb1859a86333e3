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
	"context"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// Digests maps each content digest algorithm to the digest of the APK
type Digests map[apkdigest.ContentDigestAlgorithm][]byte

// ComputeDigests digests the APK sections once for every content digest
// needed by any of the given signer groups
func ComputeDigests(ctx context.Context, exec apkdigest.Executor, veritySalt []byte, sections apkdigest.Sections, groups ...[]*SignerConfig) (Digests, error) {
	var algs []*sigalg.Algorithm
	for _, group := range groups {
		for _, cfg := range group {
			algs = append(algs, cfg.Algorithms...)
		}
	}
	if len(algs) == 0 {
		return nil, errors.New("no signature algorithms configured")
	}
	return apkdigest.ComputeContentDigests(ctx, exec, veritySalt, sigalg.ContentDigests(algs), sections)
}

func checkConfig(scheme int, cfg *SignerConfig) error {
	if len(cfg.Certificates) == 0 {
		return fmt.Errorf("v%d signer %s has no certificates", scheme, cfg.Name)
	}
	if len(cfg.Algorithms) == 0 {
		return sigerrors.AlgorithmError{Scheme: fmt.Sprintf("v%d", scheme), Signer: cfg.Name, Msg: "no signature algorithms"}
	}
	return nil
}

func signedDigests(cfg *SignerConfig, digests Digests) ([]apkblock.IDValue, error) {
	ret := make([]apkblock.IDValue, len(cfg.Algorithms))
	for i, alg := range cfg.Algorithms {
		digest, ok := digests[alg.ContentDigest]
		if !ok {
			return nil, fmt.Errorf("%s digest not computed", alg.ContentDigest)
		}
		ret[i] = apkblock.IDValue{ID: alg.ID, Value: digest}
	}
	return ret, nil
}

// sign the serialized signed data once per configured algorithm
func signAll(scheme int, cfg *SignerConfig, signedData []byte) ([]apkblock.IDValue, error) {
	ret := make([]apkblock.IDValue, len(cfg.Algorithms))
	for i, alg := range cfg.Algorithms {
		sig, err := alg.Sign(cfg.Signer, cfg.Certificates[0].PublicKey, signedData)
		if err != nil {
			return nil, fmt.Errorf("v%d signer %s: %w", scheme, cfg.Name, err)
		}
		countSignature(scheme, alg)
		ret[i] = apkblock.IDValue{ID: alg.ID, Value: sig}
	}
	return ret, nil
}

// GenerateV2Block produces the v2 scheme pair of the signing block. When v3
// is also being applied the signed data records it, so that stripping the v3
// block is detected by verifiers.
func GenerateV2Block(digests Digests, configs []*SignerConfig, v3Enabled bool) (apkblock.Pair, error) {
	if len(configs) == 0 {
		return apkblock.Pair{}, errors.New("no v2 signers")
	}
	var attrs []attribute
	if v3Enabled {
		attrs = append(attrs, attribute{
			ID:    StrippingProtectionAttrID,
			Value: apkblock.AppendUint32(nil, SchemeV3),
		})
	}
	signers := make([]v2Signer, len(configs))
	for i, cfg := range configs {
		if err := checkConfig(SchemeV2, cfg); err != nil {
			return apkblock.Pair{}, err
		}
		sdDigests, err := signedDigests(cfg, digests)
		if err != nil {
			return apkblock.Pair{}, err
		}
		signedData, err := apkblock.Marshal(v2SignedData{
			Digests:      sdDigests,
			Certificates: encodeCertificates(cfg.Certificates),
			Attributes:   attrs,
		})
		if err != nil {
			return apkblock.Pair{}, err
		}
		sigs, err := signAll(SchemeV2, cfg, signedData.Bytes())
		if err != nil {
			return apkblock.Pair{}, err
		}
		signers[i] = v2Signer{
			SignedData: signedData,
			Signatures: sigs,
			PublicKey:  cfg.Certificates[0].RawSubjectPublicKeyInfo,
		}
	}
	value, err := apkblock.Marshal(signers)
	if err != nil {
		return apkblock.Pair{}, err
	}
	return apkblock.Pair{ID: apkblock.SchemeV2BlockID, Value: value}, nil
}

// GenerateV3Block produces the v3 scheme pair of the signing block. Each
// signer carries its SDK range and, if set, its lineage.
func GenerateV3Block(digests Digests, configs []*SignerConfig) (apkblock.Pair, error) {
	if len(configs) == 0 {
		return apkblock.Pair{}, errors.New("no v3 signers")
	}
	signers := make([]v3Signer, len(configs))
	for i, cfg := range configs {
		if err := checkConfig(SchemeV3, cfg); err != nil {
			return apkblock.Pair{}, err
		}
		sdDigests, err := signedDigests(cfg, digests)
		if err != nil {
			return apkblock.Pair{}, err
		}
		var attrs []attribute
		if cfg.Lineage != nil {
			encoded, err := cfg.Lineage.Encode()
			if err != nil {
				return apkblock.Pair{}, fmt.Errorf("v3 signer %s: %w", cfg.Name, err)
			}
			attrs = append(attrs, attribute{ID: lineage.ProofOfRotationAttrID, Value: encoded})
		}
		minSdk, maxSdk := uint32(cfg.MinSdkVersion), uint32(cfg.MaxSdkVersion)
		signedData, err := apkblock.Marshal(v3SignedData{
			Digests:       sdDigests,
			Certificates:  encodeCertificates(cfg.Certificates),
			MinSdkVersion: minSdk,
			MaxSdkVersion: maxSdk,
			Attributes:    attrs,
		})
		if err != nil {
			return apkblock.Pair{}, err
		}
		sigs, err := signAll(SchemeV3, cfg, signedData.Bytes())
		if err != nil {
			return apkblock.Pair{}, err
		}
		signers[i] = v3Signer{
			SignedData:    signedData,
			MinSdkVersion: minSdk,
			MaxSdkVersion: maxSdk,
			Signatures:    sigs,
			PublicKey:     cfg.Certificates[0].RawSubjectPublicKeyInfo,
		}
	}
	value, err := apkblock.Marshal(signers)
	if err != nil {
		return apkblock.Pair{}, err
	}
	return apkblock.Pair{ID: apkblock.SchemeV3BlockID, Value: value}, nil
}
