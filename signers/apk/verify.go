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

package apk

import (
	"archive/zip"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/apkscheme"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/signjar"
	"github.com/sassoftware/apksigner/lib/zipslicer"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

type VerifyOptions struct {
	// MinSdkVersion and MaxSdkVersion bound the platform versions the APK
	// must verify on. MaxSdkVersion defaults to every future version.
	MinSdkVersion int
	MaxSdkVersion int
	Executor      apkdigest.Executor
	VeritySalt    []byte
}

// Result holds the signers of each scheme found in the APK
type Result struct {
	V1 *signjar.VerifyResult
	V2 []*apkscheme.VerifiedSigner
	V3 []*apkscheme.VerifiedSigner
}

// Schemes lists the signature schemes that verified
func (r *Result) Schemes() []int {
	var schemes []int
	if r.V1 != nil {
		schemes = append(schemes, 1)
	}
	if len(r.V2) != 0 {
		schemes = append(schemes, apkscheme.SchemeV2)
	}
	if len(r.V3) != 0 {
		schemes = append(schemes, apkscheme.SchemeV3)
	}
	return schemes
}

// Signer returns the certificate of the newest signer of the strongest scheme
// that verified
func (r *Result) Signer() *x509.Certificate {
	var newest *apkscheme.VerifiedSigner
	for _, s := range r.V3 {
		if newest == nil || s.MaxSdkVersion > newest.MaxSdkVersion {
			newest = s
		}
	}
	if newest == nil && len(r.V2) != 0 {
		newest = r.V2[0]
	}
	if newest != nil {
		return newest.Certificates[0]
	}
	if r.V1 != nil && len(r.V1.Signers) != 0 {
		return r.V1.Signers[0].Certificates[0]
	}
	return nil
}

// Verify checks every signature scheme present in the APK. Signatures that
// claim a newer scheme was also applied are checked against stripping.
func Verify(ctx context.Context, r io.ReaderAt, size int64, opts VerifyOptions) (*Result, error) {
	if opts.MaxSdkVersion == 0 {
		opts.MaxSdkVersion = sigalg.MaxSdk
	}
	if opts.Executor == nil {
		opts.Executor = apkdigest.SingleThreaded
	}
	if opts.MinSdkVersion > opts.MaxSdkVersion {
		return nil, fmt.Errorf("minSdkVersion %d is greater than maxSdkVersion %d", opts.MinSdkVersion, opts.MaxSdkVersion)
	}
	inz, err := zipslicer.Read(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading APK: %w", err)
	}
	result := new(Result)
	if err := verifySigningBlock(ctx, r, inz, opts, result); err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading APK: %w", err)
	}
	v1, err := signjar.Verify(zr)
	var notSigned sigerrors.NotSignedError
	switch {
	case errors.As(err, &notSigned):
		if opts.MinSdkVersion < sigalg.N && len(result.V2) == 0 && len(result.V3) != 0 {
			return nil, fmt.Errorf("APK is not v1 or v2 signed, which is required for SDK versions before %d", sigalg.N)
		}
	case err != nil:
		return nil, fmt.Errorf("v1 signature: %w", err)
	default:
		result.V1 = v1
		for _, scheme := range v1.APKSigned {
			if scheme == apkscheme.SchemeV2 && len(result.V2) == 0 {
				return nil, errors.New("v1 signature indicates the APK was also signed with v2, but no v2 signature was found")
			}
			if scheme == apkscheme.SchemeV3 && len(result.V3) == 0 {
				return nil, errors.New("v1 signature indicates the APK was also signed with v3, but no v3 signature was found")
			}
		}
	}
	if len(result.Schemes()) == 0 {
		return nil, sigerrors.NotSignedError{Type: "APK"}
	}
	return result, nil
}

func verifySigningBlock(ctx context.Context, r io.ReaderAt, inz *zipslicer.Directory, opts VerifyOptions, result *Result) error {
	blockOffset, block, err := apkblock.Locate(r, inz.DirLoc)
	if errors.Is(err, apkblock.ErrNoSigningBlock) {
		return nil
	} else if err != nil {
		return err
	}
	sections := apkdigest.Sections{
		BeforeCentralDir: apkdigest.Slice(r, 0, blockOffset),
		CentralDir:       apkdigest.Slice(r, inz.DirLoc, inz.DirSize),
		EOCD:             apkdigest.FromBytes(inz.EOCD),
	}
	if value, err := apkblock.FindSchemeBlock(block, apkblock.SchemeV3BlockID); err == nil {
		result.V3, err = apkscheme.VerifyV3Block(ctx, opts.Executor, opts.VeritySalt, value, sections, opts.MinSdkVersion, opts.MaxSdkVersion)
		if err != nil {
			return fmt.Errorf("v3 signature: %w", err)
		}
	} else if !errors.Is(err, apkblock.ErrSchemeBlockNotFound) {
		return err
	}
	if value, err := apkblock.FindSchemeBlock(block, apkblock.SchemeV2BlockID); err == nil {
		result.V2, err = apkscheme.VerifyV2Block(ctx, opts.Executor, opts.VeritySalt, value, sections, opts.MinSdkVersion, opts.MaxSdkVersion)
		if err != nil {
			return fmt.Errorf("v2 signature: %w", err)
		}
	} else if !errors.Is(err, apkblock.ErrSchemeBlockNotFound) {
		return err
	}
	for _, signer := range result.V2 {
		if signer.StrippingProtection == apkscheme.SchemeV3 && len(result.V3) == 0 {
			return errors.New("v2 signature indicates the APK was also signed with v3, but no v3 signature was found")
		}
	}
	if len(result.V3) == 0 {
		return nil
	}
	// v2 signers must be the oldest v3 signer or one of its predecessors
	oldest := result.V3[0]
	for i, signer := range result.V2 {
		cert := signer.Certificates[0]
		if cert.Equal(oldest.Certificates[0]) {
			continue
		}
		if oldest.Lineage == nil || !slices.ContainsFunc(oldest.Lineage.Certificates(), cert.Equal) {
			return fmt.Errorf("v2 signer #%d does not match the v3 signer and is not in its signing certificate lineage", i+1)
		}
	}
	return nil
}
