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

// Package signapk implements an incremental APK signing session. The caller
// streams the entries of the output archive through an Engine, which asks to
// inspect the ones covered by a JAR signature, emits the JAR signature
// entries, and finally produces the APK Signing Block to insert before the
// central directory. Emitted signatures are cached and only regenerated when
// the entries they cover change.
package signapk

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/apkscheme"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/signjar"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// Config for a signing session
type Config struct {
	// Signers to sign with. With a lineage they may be given in any order;
	// without one only a single signer may be used with v3.
	Signers []*SignerIdentity
	// MinSdkVersion is the oldest platform the APK must install on
	MinSdkVersion int
	V1            bool
	V2            bool
	V3            bool
	// Verity adds verity signatures to the v2 and v3 blocks and pads the
	// entries before the signing block to a page boundary
	Verity bool
	// CreatedBy is written to the JAR signature files
	CreatedBy string
	// Lineage proves rotation from older signers to the newest one
	Lineage *lineage.Lineage
	// Executor runs the content digest workers, single threaded if nil
	Executor apkdigest.Executor
	// VeritySalt defaults to eight zero bytes
	VeritySalt []byte
	Logger     *zerolog.Logger
}

// OutputPolicy tells the caller what to do with an entry of the input archive
type OutputPolicy int

const (
	// Skip leaves the entry out of the output
	Skip OutputPolicy = iota
	// Output copies the entry to the output
	Output
	// OutputByEngine leaves the entry out because the engine emits its
	// replacement
	OutputByEngine
)

func (p OutputPolicy) String() string {
	switch p {
	case Skip:
		return "skip"
	case Output:
		return "output"
	case OutputByEngine:
		return "output-by-engine"
	}
	return fmt.Sprintf("OutputPolicy(%d)", int(p))
}

// Instructions for handling an input entry. Inspect, if set, must be fed the
// entry's uncompressed contents.
type Instructions struct {
	Policy  OutputPolicy
	Inspect InspectRequest
}

type entryState int

const (
	// output, but not covered by the JAR signature
	stateSkipped entryState = iota
	statePendingDigest
	statePendingData
	stateDigested
	stateCaptured
)

type entryRecord struct {
	state  entryState
	digest *DigestRequest
	data   *DataRequest
	// digest or captured contents once the request is done
	value []byte
}

// Engine is a single signing session. It is not safe for concurrent use,
// although inspection requests it hands out may be fulfilled from other
// goroutines.
type Engine struct {
	log        zerolog.Logger
	exec       apkdigest.Executor
	veritySalt []byte
	createdBy  string
	v1, v2, v3 bool
	verity     bool

	signers   []*SignerIdentity
	v1Signers []*signjar.SignerConfig
	v1Digest  signjar.DigestAlgorithm
	v2Configs []*apkscheme.SignerConfig
	v3Configs []*apkscheme.SignerConfig

	// names of the entries making up the JAR signature
	expected map[string]bool
	// every output entry seen, by name
	entries map[string]*entryRecord
	// JAR signature entries emitted so far
	emitted       map[string][]byte
	inputManifest *DataRequest

	v1Pending    bool
	v2Pending    bool
	v3Pending    bool
	v1Request    *JarSignatureRequest
	blockRequest *SigningBlockRequest
	closed       bool
}

// New validates the configuration and starts a signing session
func New(cfg Config) (*Engine, error) {
	if len(cfg.Signers) == 0 {
		return nil, errors.New("at least one signer must be provided")
	}
	if !cfg.V1 && !cfg.V2 && !cfg.V3 {
		return nil, errors.New("no signature schemes enabled")
	}
	for i, signer := range cfg.Signers {
		if signer == nil || len(signer.Certificates) == 0 || signer.Signer == nil {
			return nil, fmt.Errorf("signer #%d is incomplete, use NewSignerIdentity", i+1)
		}
	}
	signers := append([]*SignerIdentity(nil), cfg.Signers...)
	if cfg.Lineage != nil {
		certs := make([]*x509.Certificate, len(signers))
		for i, signer := range signers {
			certs[i] = signer.Certificate()
		}
		order, err := cfg.Lineage.SortSigners(certs)
		if err != nil {
			return nil, fmt.Errorf("provided signers do not match the signing certificate lineage: %w", err)
		}
		sorted := make([]*SignerIdentity, len(order))
		for i, j := range order {
			sorted[i] = signers[j]
		}
		signers = sorted
		if !cfg.V3 && len(signers) > 1 {
			return nil, errors.New("multiple signers from the signing certificate lineage provided, but v3 signing is disabled")
		}
		if cfg.V3 && (cfg.V1 || cfg.V2) {
			sub, err := cfg.Lineage.SubLineage(signers[0].Certificate())
			if err != nil {
				return nil, err
			}
			if sub.Len() != 1 {
				return nil, errors.New("v1 or v2 signing enabled but the oldest signer in the signing certificate lineage is missing. Provide the oldest signer to enable v1 and v2 signing")
			}
		}
	} else if cfg.V3 && len(signers) > 1 {
		return nil, errors.New("multiple signers provided for use with v3 signing without an accompanying signing certificate lineage")
	}

	e := &Engine{
		exec:       cfg.Executor,
		veritySalt: cfg.VeritySalt,
		createdBy:  cfg.CreatedBy,
		v1:         cfg.V1,
		v2:         cfg.V2,
		v3:         cfg.V3,
		verity:     cfg.Verity,
		signers:    signers,
		expected:   make(map[string]bool),
		entries:    make(map[string]*entryRecord),
		emitted:    make(map[string][]byte),
		v1Pending:  cfg.V1,
		v2Pending:  cfg.V2,
		v3Pending:  cfg.V3,
	}
	if e.exec == nil {
		e.exec = apkdigest.SingleThreaded
	}
	if e.createdBy == "" {
		e.createdBy = signjar.DefaultCreatedBy
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	e.log = logger.With().Str("session", uuid.NewString()).Logger()

	var err error
	if cfg.V1 {
		v1 := signers
		if cfg.V3 {
			// only the oldest signer is understood by platforms without v3
			v1 = signers[:1]
		}
		e.v1Signers, e.v1Digest, err = deriveV1Configs(v1, cfg.MinSdkVersion)
		if err != nil {
			return nil, err
		}
		names, err := signjar.OutputEntryNames(e.v1Signers)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			e.expected[name] = true
		}
	}
	if cfg.V2 {
		e.v2Configs, err = deriveV2Configs(signers, cfg.MinSdkVersion, cfg.Verity, cfg.V3)
		if err != nil {
			return nil, err
		}
	}
	if cfg.V3 {
		e.v3Configs, err = deriveV3Configs(signers, cfg.MinSdkVersion, cfg.Verity, cfg.Lineage)
		if err != nil {
			return nil, err
		}
	}
	e.log.Debug().
		Int("signers", len(signers)).
		Int("min_sdk", cfg.MinSdkVersion).
		Ints("schemes", e.schemeIDs()).
		Msg("signing session started")
	return e, nil
}

func (e *Engine) schemeIDs() []int {
	var ids []int
	if e.v1 {
		ids = append(ids, 1)
	}
	if e.v2 {
		ids = append(ids, apkscheme.SchemeV2)
	}
	if e.v3 {
		ids = append(ids, apkscheme.SchemeV3)
	}
	return ids
}

func protocolError(op, entry, msg string) error {
	return sigerrors.ProtocolError{Op: op, Entry: entry, Msg: msg}
}

func (e *Engine) checkNotClosed(op string) error {
	if e.closed {
		return protocolError(op, "", "engine closed")
	}
	return nil
}

func (e *Engine) invalidateV1() {
	if e.v1 {
		e.v1Pending = true
	}
	e.invalidateSigningBlock()
}

// any change to the archive invalidates the content digests of v2 and v3
func (e *Engine) invalidateSigningBlock() {
	if e.v2 {
		e.v2Pending = true
	}
	if e.v3 {
		e.v3Pending = true
	}
	e.blockRequest = nil
}

func (e *Engine) inputPolicy(name string) OutputPolicy {
	if e.expected[name] {
		return OutputByEngine
	}
	if signjar.IsEntryDigestNeededInManifest(name) {
		return Output
	}
	return Skip
}

// InputJarEntry decides what happens to an entry of the input archive. The
// input manifest is inspected so its main section can be carried over.
func (e *Engine) InputJarEntry(name string) (Instructions, error) {
	if err := e.checkNotClosed("InputJarEntry"); err != nil {
		return Instructions{}, err
	}
	policy := e.inputPolicy(name)
	if policy == OutputByEngine && name == signjar.ManifestName {
		e.inputManifest = newDataRequest(name)
		return Instructions{Policy: policy, Inspect: e.inputManifest}, nil
	}
	return Instructions{Policy: policy}, nil
}

// InputJarEntryRemoved reports an entry removed from the input archive and
// returns what the output should do about it
func (e *Engine) InputJarEntryRemoved(name string) (OutputPolicy, error) {
	if err := e.checkNotClosed("InputJarEntryRemoved"); err != nil {
		return Skip, err
	}
	return e.inputPolicy(name), nil
}

// OutputJarEntry reports an entry written to the output archive. If a request
// is returned the caller must feed it the entry's uncompressed contents.
func (e *Engine) OutputJarEntry(name string) (InspectRequest, error) {
	if err := e.checkNotClosed("OutputJarEntry"); err != nil {
		return nil, err
	}
	e.invalidateSigningBlock()
	if !e.v1 {
		e.entries[name] = &entryRecord{state: stateSkipped}
		return nil, nil
	}
	if signjar.IsEntryDigestNeededInManifest(name) {
		e.invalidateV1()
		req := newDigestRequest(name, e.v1Digest.Hash())
		e.entries[name] = &entryRecord{state: statePendingDigest, digest: req}
		e.log.Debug().Str("entry", name).Msg("entry digest requested")
		return req, nil
	}
	if e.expected[name] {
		// part of the JAR signature, so its contents must be compared with
		// what was emitted
		e.invalidateV1()
		var req *DataRequest
		if name == signjar.ManifestName {
			req = newDataRequest(name)
			e.inputManifest = req
		} else if _, ok := e.emitted[name]; ok {
			req = newDataRequest(name)
		}
		if req == nil {
			e.entries[name] = &entryRecord{state: stateSkipped}
			return nil, nil
		}
		e.entries[name] = &entryRecord{state: statePendingData, data: req}
		return req, nil
	}
	e.entries[name] = &entryRecord{state: stateSkipped}
	return nil, nil
}

// OutputJarEntryRemoved reports an entry removed from the output archive
func (e *Engine) OutputJarEntryRemoved(name string) error {
	if err := e.checkNotClosed("OutputJarEntryRemoved"); err != nil {
		return err
	}
	e.invalidateSigningBlock()
	if e.v1 && (signjar.IsEntryDigestNeededInManifest(name) || e.expected[name]) {
		e.invalidateV1()
	}
	delete(e.entries, name)
	return nil
}

// InputSigningBlock reports the APK Signing Block of the input archive. Its
// contents are not carried over.
func (e *Engine) InputSigningBlock(block apkdigest.DataSource) error {
	if err := e.checkNotClosed("InputSigningBlock"); err != nil {
		return err
	}
	if block == nil || block.Size() == 0 {
		return nil
	}
	e.log.Debug().Int64("size", block.Size()).Msg("input signing block discarded")
	return nil
}

// InitWith seeds entry digests from an existing manifest, which is trusted to
// be correct, so unchanged entries need not be digested again. Only entries
// listed in names are taken. It returns the names of all entries whose
// digests are now known.
func (e *Engine) InitWith(manifest []byte, names []string) ([]string, error) {
	if err := e.checkNotClosed("InitWith"); err != nil {
		return nil, err
	}
	if !e.v1 {
		return nil, protocolError("InitWith", "", "v1 signing is not enabled")
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	digests, err := signjar.ParseEntryDigests(manifest, e.v1Digest, func(name string) bool { return wanted[name] })
	if err != nil {
		return nil, err
	}
	for name, digest := range digests {
		e.entries[name] = &entryRecord{state: stateDigested, value: digest}
	}
	var known []string
	for _, name := range sortedKeys(e.entries) {
		if e.entries[name].state == stateDigested {
			known = append(known, name)
		}
	}
	e.log.Debug().Int("entries", len(digests)).Msg("entry digests loaded from manifest")
	return known, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// settle moves finished requests into their final state. It fails on the
// first request that is still outstanding.
func (e *Engine) settle(op string) error {
	for _, name := range sortedKeys(e.entries) {
		rec := e.entries[name]
		switch rec.state {
		case statePendingDigest:
			if !rec.digest.IsDone() {
				return protocolError(op, name, "still waiting to inspect output entry")
			}
			rec.value = rec.digest.Digest()
			rec.state = stateDigested
		case statePendingData:
			if !rec.data.IsDone() {
				return protocolError(op, name, "still waiting to inspect output entry")
			}
			rec.value = rec.data.Data()
			rec.state = stateCaptured
		}
	}
	return nil
}

// OutputJarEntries returns the JAR signature entries the caller must write,
// or nil if the output already holds a valid JAR signature. Every
// outstanding inspection request must be done.
func (e *Engine) OutputJarEntries() (*JarSignatureRequest, error) {
	const op = "OutputJarEntries"
	if err := e.checkNotClosed(op); err != nil {
		return nil, err
	}
	if !e.v1Pending {
		return nil, nil
	}
	if e.inputManifest != nil && !e.inputManifest.IsDone() {
		return nil, protocolError(op, e.inputManifest.EntryName(), "still waiting to inspect input entry")
	}
	if err := e.settle(op); err != nil {
		return nil, err
	}
	digests := make(map[string][]byte)
	for name, rec := range e.entries {
		if rec.state == stateDigested {
			digests[name] = rec.value
		}
	}
	var inputManifest []byte
	if e.inputManifest != nil {
		inputManifest = e.inputManifest.Data()
	}
	var schemeIDs []int
	if e.v2 {
		schemeIDs = append(schemeIDs, apkscheme.SchemeV2)
	}
	if e.v3 {
		schemeIDs = append(schemeIDs, apkscheme.SchemeV3)
	}

	var entries []signjar.Entry
	var err error
	if e.v1Request == nil || !e.v1Request.IsDone() {
		entries, err = signjar.Sign(e.v1Signers, e.v1Digest, digests, schemeIDs, inputManifest, e.createdBy)
		if err != nil {
			return nil, fmt.Errorf("failed to generate v1 signature: %w", err)
		}
	} else {
		manifest, err := signjar.GenerateManifest(e.v1Digest, digests, inputManifest)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(manifest.Contents, e.emitted[signjar.ManifestName]) {
			entries, err = signjar.SignManifest(e.v1Signers, e.v1Digest, schemeIDs, e.createdBy, manifest)
			if err != nil {
				return nil, fmt.Errorf("failed to generate v1 signature: %w", err)
			}
		} else {
			// the emitted signature still holds, re-emit only the entries
			// the output lacks
			for _, name := range sortedKeys(e.emitted) {
				expected := e.emitted[name]
				rec := e.entries[name]
				if rec == nil || rec.state != stateCaptured || !bytes.Equal(rec.value, expected) {
					entries = append(entries, signjar.Entry{Name: name, Data: expected})
				}
			}
		}
	}
	if len(entries) == 0 {
		e.log.Debug().Msg("v1 signature in the output is valid")
		e.v1Pending = false
		return nil, nil
	}
	for _, entry := range entries {
		e.emitted[entry.Name] = entry.Data
	}
	e.v1Request = &JarSignatureRequest{Entries: entries}
	e.log.Debug().Int("entries", len(entries)).Int("digests", len(digests)).Msg("v1 signature emitted")
	return e.v1Request, nil
}

func (e *Engine) checkV1Done(op string) error {
	if !e.v1Pending {
		return nil
	}
	if e.v1Request == nil {
		return protocolError(op, "", "v1 signature (JAR signature) not yet generated. Skipped OutputJarEntries()?")
	}
	if !e.v1Request.IsDone() {
		return protocolError(op, "", "v1 signature (JAR signature) addition requested by OutputJarEntries() hasn't been fulfilled")
	}
	for _, name := range sortedKeys(e.emitted) {
		rec := e.entries[name]
		if rec == nil || rec.data == nil {
			return protocolError(op, name, "entry not yet output despite this having been requested")
		}
		if !rec.data.IsDone() {
			return protocolError(op, name, "still waiting to inspect output entry")
		}
		if rec.state == statePendingData {
			rec.value = rec.data.Data()
			rec.state = stateCaptured
		}
		if !bytes.Equal(rec.value, e.emitted[name]) {
			return protocolError(op, name, "output entry data differs from what was requested")
		}
	}
	e.v1Pending = false
	return nil
}

// OutputZipSections produces the APK Signing Block for an archive made of the
// given sections. The JAR signature, if enabled, must already be in place.
// It returns nil if neither v2 nor v3 is enabled.
func (e *Engine) OutputZipSections(ctx context.Context, entries, centralDir, eocd apkdigest.DataSource) (*SigningBlockRequest, error) {
	const op = "OutputZipSections"
	if err := e.checkNotClosed(op); err != nil {
		return nil, err
	}
	if err := e.checkV1Done(op); err != nil {
		return nil, err
	}
	if !e.v2 && !e.v3 {
		return nil, nil
	}
	e.invalidateSigningBlock()
	var padding int
	if e.verity {
		entries, padding = apkdigest.PadToPage(entries)
	}
	sections := apkdigest.Sections{
		BeforeCentralDir: entries,
		CentralDir:       centralDir,
		EOCD:             eocd,
	}
	digests, err := apkscheme.ComputeDigests(ctx, e.exec, e.veritySalt, sections, e.v2Configs, e.v3Configs)
	if err != nil {
		return nil, err
	}
	var pairs []apkblock.Pair
	if e.v2 {
		pair, err := apkscheme.GenerateV2Block(digests, e.v2Configs, e.v3)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	if e.v3 {
		pair, err := apkscheme.GenerateV3Block(digests, e.v3Configs)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	block := apkblock.Encode(pairs)
	e.blockRequest = &SigningBlockRequest{Block: block, PaddingBefore: padding}
	e.log.Info().
		Int("block_size", len(block)).
		Int("padding", padding).
		Int64("entries_size", entries.Size()).
		Msg("signing block generated")
	return e.blockRequest, nil
}

// OutputDone checks that the caller applied every signature the engine
// requested
func (e *Engine) OutputDone() error {
	const op = "OutputDone"
	if err := e.checkNotClosed(op); err != nil {
		return err
	}
	if err := e.checkV1Done(op); err != nil {
		return err
	}
	if !e.v2Pending && !e.v3Pending {
		return nil
	}
	if e.blockRequest == nil {
		return protocolError(op, "", "signed APK Signing Block not yet generated. Skipped OutputZipSections()?")
	}
	if !e.blockRequest.IsDone() {
		return protocolError(op, "", "APK Signing Block addition requested by OutputZipSections() hasn't been fulfilled")
	}
	e.blockRequest = nil
	e.v2Pending = false
	e.v3Pending = false
	return nil
}

// Close discards the session. Every later call fails.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.entries = nil
	e.emitted = nil
	e.inputManifest = nil
	e.v1Request = nil
	e.blockRequest = nil
	e.log.Debug().Msg("signing session closed")
}

func (e *Engine) V1Pending() bool { return e.v1Pending }
func (e *Engine) V2Pending() bool { return e.v2Pending }
func (e *Engine) V3Pending() bool { return e.v3Pending }
