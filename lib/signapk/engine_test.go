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

package signapk

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sassoftware/apksigner/internal/testkeys"
	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/apkscheme"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/signjar"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

func identity(t *testing.T, name string, kind testkeys.Kind) *SignerIdentity {
	t.Helper()
	id := testkeys.New(t, name, kind)
	signer, err := NewSignerIdentity(name, id.Key, id.Chain())
	require.NoError(t, err)
	return signer
}

func feed(t *testing.T, req InspectRequest, data []byte) {
	t.Helper()
	if req == nil {
		return
	}
	_, err := req.Write(data)
	require.NoError(t, err)
	req.Done()
}

// write the requested signature entries to the "output" the way a caller
// would, then mark the request done
func applyV1(t *testing.T, e *Engine, req *JarSignatureRequest) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, entry := range req.Entries {
		inspect, err := e.OutputJarEntry(entry.Name)
		require.NoError(t, err)
		feed(t, inspect, entry.Data)
		out[entry.Name] = entry.Data
	}
	req.Done()
	return out
}

func makeEOCD(cdSize, cdOffset int) []byte {
	eocd := make([]byte, apkdigest.EOCDMinSize)
	binary.LittleEndian.PutUint32(eocd, 0x06054b50)
	binary.LittleEndian.PutUint32(eocd[12:], uint32(cdSize))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(cdOffset))
	return eocd
}

func testSections(before []byte) apkdigest.Sections {
	cd := []byte("PK\x01\x02 central directory record")
	return apkdigest.Sections{
		BeforeCentralDir: apkdigest.FromBytes(before),
		CentralDir:       apkdigest.FromBytes(cd),
		EOCD:             apkdigest.FromBytes(makeEOCD(len(cd), len(before))),
	}
}

func TestSingleSignerV1V2(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	signer := identity(t, "cert", testkeys.RSA2048)
	e, err := New(Config{Signers: []*SignerIdentity{signer}, MinSdkVersion: sigalg.KitKat, V1: true, V2: true})
	require.NoError(t, err)
	defer e.Close()

	dex := []byte("dex\n035\x00 classes")
	instr, err := e.InputJarEntry("classes.dex")
	require.NoError(t, err)
	assert.Equal(t, Output, instr.Policy)
	assert.Nil(t, instr.Inspect)
	inspect, err := e.OutputJarEntry("classes.dex")
	require.NoError(t, err)
	require.NotNil(t, inspect)
	assert.Equal(t, "classes.dex", inspect.EntryName())
	feed(t, inspect, dex)
	assert.True(t, e.V1Pending())
	assert.True(t, e.V2Pending())

	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	require.NotNil(t, req)
	names := make([]string, len(req.Entries))
	for i, entry := range req.Entries {
		names[i] = entry.Name
	}
	assert.Equal(t, []string{"META-INF/CERT.SF", "META-INF/CERT.RSA", "META-INF/MANIFEST.MF"}, names)
	digest := sha256.Sum256(dex)
	manifest := string(req.Entries[2].Data)
	assert.True(t, strings.HasPrefix(manifest, "Manifest-Version: 1.0\r\n"))
	assert.Contains(t, manifest, "Name: classes.dex\r\nSHA-256-Digest: "+base64.StdEncoding.EncodeToString(digest[:])+"\r\n")
	assert.Contains(t, string(req.Entries[0].Data), "X-Android-APK-Signed: 2\r\n")

	applyV1(t, e, req)
	// the output now holds exactly what was requested
	again, err := e.OutputJarEntries()
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.False(t, e.V1Pending())
	again, err = e.OutputJarEntries()
	require.NoError(t, err)
	assert.Nil(t, again)

	sections := testSections(nil)
	blockReq, err := e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	require.NoError(t, err)
	require.NotNil(t, blockReq)
	assert.Zero(t, blockReq.PaddingBefore)
	assert.NotEmpty(t, blockReq.Block)
	assert.Zero(t, len(blockReq.Block)%apkblock.PageAlignment)
	value, err := apkblock.FindSchemeBlock(blockReq.Block, apkblock.SchemeV2BlockID)
	require.NoError(t, err)
	_, err = apkblock.FindSchemeBlock(blockReq.Block, apkblock.SchemeV3BlockID)
	assert.ErrorIs(t, err, apkblock.ErrSchemeBlockNotFound)
	signers, err := apkscheme.VerifyV2Block(ctx, nil, nil, value, sections, sigalg.KitKat, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.True(t, signers[0].Certificates[0].Equal(signer.Certificate()))
	assert.Zero(t, signers[0].StrippingProtection)

	err = e.OutputDone()
	assert.ErrorIs(t, err, sigerrors.ErrProtocol, "block not yet inserted")
	blockReq.Done()
	require.NoError(t, e.OutputDone())
	assert.False(t, e.V2Pending())
}

func TestInvalidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := New(Config{Signers: []*SignerIdentity{identity(t, "cert", testkeys.RSA2048)}, MinSdkVersion: sigalg.N, V1: true, V2: true, V3: true})
	require.NoError(t, err)
	defer e.Close()
	for _, name := range []string{"classes.dex", "res/raw/a.txt"} {
		inspect, err := e.OutputJarEntry(name)
		require.NoError(t, err)
		feed(t, inspect, []byte(name))
	}
	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	assert.Contains(t, string(req.Entries[0].Data), "X-Android-APK-Signed: 2, 3\r\n")
	applyV1(t, e, req)
	sections := testSections(nil)
	blockReq, err := e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	require.NoError(t, err)
	blockReq.Done()
	require.NoError(t, e.OutputDone())
	require.False(t, e.V1Pending())
	require.False(t, e.V2Pending())
	require.False(t, e.V3Pending())

	t.Run("OutputEntry", func(t *testing.T) {
		inspect, err := e.OutputJarEntry("res/raw/a.txt")
		require.NoError(t, err)
		assert.True(t, e.V1Pending())
		assert.True(t, e.V2Pending())
		assert.True(t, e.V3Pending())
		// not inspected yet
		_, err = e.OutputJarEntries()
		var perr sigerrors.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "res/raw/a.txt", perr.Entry)
		// same contents, so the emitted signature still holds
		feed(t, inspect, []byte("res/raw/a.txt"))
		req, err := e.OutputJarEntries()
		require.NoError(t, err)
		assert.Nil(t, req)
	})
	t.Run("RemovedSignatureEntry", func(t *testing.T) {
		require.NoError(t, e.OutputJarEntryRemoved("META-INF/CERT.SF"))
		assert.True(t, e.V1Pending())
		req, err := e.OutputJarEntries()
		require.NoError(t, err)
		require.NotNil(t, req)
		require.Len(t, req.Entries, 1)
		assert.Equal(t, "META-INF/CERT.SF", req.Entries[0].Name)
		applyV1(t, e, req)
	})
	t.Run("ModifiedEntry", func(t *testing.T) {
		inspect, err := e.OutputJarEntry("classes.dex")
		require.NoError(t, err)
		feed(t, inspect, []byte("different"))
		req, err := e.OutputJarEntries()
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Len(t, req.Entries, 3)
		// the block from before is stale
		assert.ErrorIs(t, e.OutputDone(), sigerrors.ErrProtocol)
		applyV1(t, e, req)
	})
	t.Run("RemovedEntry", func(t *testing.T) {
		require.NoError(t, e.OutputJarEntryRemoved("res/raw/a.txt"))
		assert.True(t, e.V1Pending())
		assert.True(t, e.V3Pending())
		req, err := e.OutputJarEntries()
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.NotContains(t, string(req.Entries[2].Data), "a.txt")
		applyV1(t, e, req)
		blockReq, err := e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
		require.NoError(t, err)
		blockReq.Done()
		require.NoError(t, e.OutputDone())
	})
}

func TestOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := New(Config{Signers: []*SignerIdentity{identity(t, "cert", testkeys.P256)}, MinSdkVersion: sigalg.N, V1: true, V2: true})
	require.NoError(t, err)
	sections := testSections(nil)

	// the JAR signature comes first
	_, err = e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)
	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	_, err = e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	assert.ErrorIs(t, err, sigerrors.ErrProtocol, "request not fulfilled")
	applyV1(t, e, req)
	// an output entry whose contents were never supplied
	_, err = e.OutputJarEntry("META-INF/CERT.EC")
	require.NoError(t, err)
	_, err = e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)

	e.Close()
	_, err = e.OutputJarEntry("classes.dex")
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)
	_, err = e.InputJarEntry("classes.dex")
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)
	_, err = e.OutputJarEntries()
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)
	assert.ErrorIs(t, e.OutputDone(), sigerrors.ErrProtocol)
	assert.ErrorIs(t, e.OutputJarEntryRemoved("classes.dex"), sigerrors.ErrProtocol)
}

func TestInputEntries(t *testing.T) {
	t.Parallel()
	e, err := New(Config{Signers: []*SignerIdentity{identity(t, "cert", testkeys.RSA2048)}, MinSdkVersion: sigalg.N, V1: true, V2: true})
	require.NoError(t, err)
	defer e.Close()
	for name, policy := range map[string]OutputPolicy{
		"classes.dex":           Output,
		"assets/":               Skip,
		"META-INF/CERT.SF":      OutputByEngine,
		"META-INF/CERT.RSA":     OutputByEngine,
		"META-INF/OLD.SF":       Skip,
		"META-INF/OLD.EC":       Skip,
		"META-INF/services/foo": Output,
	} {
		instr, err := e.InputJarEntry(name)
		require.NoError(t, err)
		assert.Equal(t, policy, instr.Policy, name)
		assert.Nil(t, instr.Inspect, name)
		removed, err := e.InputJarEntryRemoved(name)
		require.NoError(t, err)
		assert.Equal(t, policy, removed, name)
	}

	instr, err := e.InputJarEntry(signjar.ManifestName)
	require.NoError(t, err)
	assert.Equal(t, OutputByEngine, instr.Policy)
	require.NotNil(t, instr.Inspect)
	_, err = e.OutputJarEntries()
	assert.ErrorIs(t, err, sigerrors.ErrProtocol, "input manifest not inspected")
	feed(t, instr.Inspect, []byte("Manifest-Version: 1.0\r\nBuilt-By: tester\r\n\r\nName: stale\r\nSHA1-Digest: AAAA\r\n\r\n"))
	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	manifest := string(req.Entries[len(req.Entries)-1].Data)
	assert.Equal(t, "Manifest-Version: 1.0\r\nBuilt-By: tester\r\n\r\n", manifest, "main section kept, entries dropped")
}

func TestInitWith(t *testing.T) {
	t.Parallel()
	signer := identity(t, "cert", testkeys.RSA2048)
	e, err := New(Config{Signers: []*SignerIdentity{signer}, MinSdkVersion: sigalg.N, V1: true})
	require.NoError(t, err)
	defer e.Close()
	digestA := sha256.Sum256([]byte("a"))
	digestB := sha256.Sum256([]byte("b"))
	manifest := "Manifest-Version: 1.0\r\n\r\n" +
		"Name: a.txt\r\nSHA-256-Digest: " + base64.StdEncoding.EncodeToString(digestA[:]) + "\r\n\r\n" +
		"Name: b.txt\r\nSHA-256-Digest: " + base64.StdEncoding.EncodeToString(digestB[:]) + "\r\n\r\n"
	known, err := e.InitWith([]byte(manifest), []string{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, known)

	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	out := string(req.Entries[len(req.Entries)-1].Data)
	assert.Contains(t, out, "Name: a.txt\r\n")
	assert.NotContains(t, out, "b.txt")
	assert.True(t, strings.HasPrefix(string(req.Entries[0].Data), "Signature-Version: 1.0\r\n"))
	assert.NotContains(t, string(req.Entries[0].Data), "X-Android-APK-Signed")

	// v1 only, so there is no signing block
	applyV1(t, e, req)
	sections := testSections(nil)
	blockReq, err := e.OutputZipSections(context.Background(), sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	require.NoError(t, err)
	assert.Nil(t, blockReq)
	require.NoError(t, e.OutputDone())

	v2only, err := New(Config{Signers: []*SignerIdentity{signer}, MinSdkVersion: sigalg.N, V2: true})
	require.NoError(t, err)
	_, err = v2only.InitWith([]byte(manifest), nil)
	assert.ErrorIs(t, err, sigerrors.ErrProtocol)
	inspect, err := v2only.OutputJarEntry("classes.dex")
	require.NoError(t, err)
	assert.Nil(t, inspect)
}

func TestVerityPadding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := New(Config{Signers: []*SignerIdentity{identity(t, "cert", testkeys.P256)}, MinSdkVersion: sigalg.P, V2: true, V3: true, Verity: true})
	require.NoError(t, err)
	defer e.Close()
	_, err = e.OutputJarEntry("classes.dex")
	require.NoError(t, err)
	before := make([]byte, 5000)
	sections := testSections(before)
	blockReq, err := e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	require.NoError(t, err)
	assert.Equal(t, 2*4096-5000, blockReq.PaddingBefore)

	padded := testSections(make([]byte, 2*4096))
	value, err := apkblock.FindSchemeBlock(blockReq.Block, apkblock.SchemeV3BlockID)
	require.NoError(t, err)
	signers, err := apkscheme.VerifyV3Block(ctx, nil, nil, value, padded, sigalg.P, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers[0].Signatures, 2)
	assert.Same(t, sigalg.VerityECDSAWithSHA256, signers[0].Signatures[1].Algorithm)
	value, err = apkblock.FindSchemeBlock(blockReq.Block, apkblock.SchemeV2BlockID)
	require.NoError(t, err)
	v2, err := apkscheme.VerifyV2Block(ctx, nil, nil, value, padded, sigalg.P, sigalg.MaxSdk)
	require.NoError(t, err)
	assert.Equal(t, uint32(apkscheme.SchemeV3), v2[0].StrippingProtection)
}

func TestRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oldID := identity(t, "old", testkeys.RSA2048)
	newID := identity(t, "new", testkeys.P256)
	lin := lineage.New(oldID.Certificate(), lineage.DefaultCapabilities)
	lin, err := lin.Spawn(lineage.Signer{Key: oldID.Signer, Certificate: oldID.Certificate()}, newID.Certificate(), lineage.DefaultCapabilities)
	require.NoError(t, err)

	// signers are put in lineage order regardless of how they are given
	e, err := New(Config{
		Signers:       []*SignerIdentity{newID, oldID},
		MinSdkVersion: sigalg.KitKat,
		V1:            true,
		V2:            true,
		V3:            true,
		Lineage:       lin,
		Executor:      apkdigest.NewParallelExecutor(2),
	})
	require.NoError(t, err)
	defer e.Close()
	require.Len(t, e.v1Signers, 1)
	assert.Equal(t, "OLD", e.v1Signers[0].Name)
	require.Len(t, e.v2Configs, 1)
	assert.Equal(t, "old", e.v2Configs[0].Name)
	require.Len(t, e.v3Configs, 2)

	req, err := e.OutputJarEntries()
	require.NoError(t, err)
	assert.Equal(t, "META-INF/OLD.RSA", req.Entries[1].Name)
	applyV1(t, e, req)
	sections := testSections(nil)
	blockReq, err := e.OutputZipSections(ctx, sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	require.NoError(t, err)
	value, err := apkblock.FindSchemeBlock(blockReq.Block, apkblock.SchemeV3BlockID)
	require.NoError(t, err)
	signers, err := apkscheme.VerifyV3Block(ctx, nil, nil, value, sections, sigalg.KitKat, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers, 2)
	assert.True(t, signers[1].Certificates[0].Equal(newID.Certificate()))
	assert.Equal(t, 2, signers[1].Lineage.Len())
	assert.Equal(t, 1, signers[0].Lineage.Len())
	blockReq.Done()
	require.NoError(t, e.OutputDone())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	oldID := identity(t, "old", testkeys.RSA2048)
	newID := identity(t, "new", testkeys.P256)
	stranger := identity(t, "stranger", testkeys.P256)
	lin := lineage.New(oldID.Certificate(), lineage.DefaultCapabilities)
	lin, err := lin.Spawn(lineage.Signer{Key: oldID.Signer, Certificate: oldID.Certificate()}, newID.Certificate(), lineage.DefaultCapabilities)
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"NoSigners", Config{V1: true}},
		{"NoSchemes", Config{Signers: []*SignerIdentity{oldID}}},
		{"MultipleV3WithoutLineage", Config{Signers: []*SignerIdentity{oldID, newID}, V3: true}},
		{"NotInLineage", Config{Signers: []*SignerIdentity{stranger}, V3: true, Lineage: lin}},
		{"LineageWithoutV3", Config{Signers: []*SignerIdentity{oldID, newID}, V2: true, Lineage: lin}},
		{"MissingOldest", Config{Signers: []*SignerIdentity{newID}, V2: true, V3: true, Lineage: lin}},
		{"ECDSABeforeJBMR2", Config{Signers: []*SignerIdentity{newID}, V1: true, MinSdkVersion: 17}},
		{"Incomplete", Config{Signers: []*SignerIdentity{{Name: "x"}}, V2: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			assert.Error(t, err)
		})
	}
	t.Run("DuplicateV1Names", func(t *testing.T) {
		a := identity(t, "signer-1", testkeys.P256)
		b := identity(t, "Signer-1", testkeys.P384)
		_, err := New(Config{Signers: []*SignerIdentity{a, b}, V1: true, V2: true, MinSdkVersion: sigalg.N})
		assert.ErrorContains(t, err, "same name")
	})
	t.Run("NewestOnly", func(t *testing.T) {
		e, err := New(Config{Signers: []*SignerIdentity{newID}, V3: true, Lineage: lin, MinSdkVersion: sigalg.N})
		require.NoError(t, err)
		require.Len(t, e.v3Configs, 1)
		assert.Equal(t, sigalg.P, e.v3Configs[0].MinSdkVersion)
	})
	t.Run("MismatchedKey", func(t *testing.T) {
		_, err := NewSignerIdentity("bad", oldID.Signer, newID.Certificates)
		assert.Error(t, err)
		_, err = NewSignerIdentity("", oldID.Signer, oldID.Certificates)
		assert.Error(t, err)
	})
}
