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

// Package apk signs and verifies whole APK files by streaming their entries
// through a signing engine.
package apk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/signapk"
	"github.com/sassoftware/apksigner/lib/zipslicer"
)

// Output is the destination of a signed APK. Data already written is read
// back to compute the content digests.
type Output interface {
	io.Writer
	io.ReaderAt
}

// Sign copies the APK in r to out with the signatures eng is configured to
// produce. Entries are copied without recompressing them. eng is closed on
// return.
func Sign(ctx context.Context, r io.ReaderAt, size int64, out Output, eng *signapk.Engine) error {
	defer eng.Close()
	inz, err := zipslicer.Read(r, size)
	if err != nil {
		return fmt.Errorf("reading APK: %w", err)
	}
	if err := inputSigningBlock(r, inz, eng); err != nil {
		return err
	}
	zw := zipslicer.NewWriter(out)
	seen := make(map[string]bool, len(inz.File))
	for _, f := range inz.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate entry %s in APK", f.Name)
		}
		seen[f.Name] = true
		ins, err := eng.InputJarEntry(f.Name)
		if err != nil {
			return err
		}
		var outReq signapk.InspectRequest
		if ins.Policy == signapk.Output {
			if err := zw.CopyFile(f); err != nil {
				return fmt.Errorf("copying %s: %w", f.Name, err)
			}
			outReq, err = eng.OutputJarEntry(f.Name)
			if err != nil {
				return err
			}
		}
		if err := inspect(f, ins.Inspect, outReq); err != nil {
			return err
		}
	}
	if err := writeJarSignature(zw, eng); err != nil {
		return err
	}
	entriesSize := zw.Offset()
	centralDir, eocd, err := zw.Directory(zipslicer.Comment(inz.EOCD))
	if err != nil {
		return err
	}
	blockReq, err := eng.OutputZipSections(ctx,
		apkdigest.Slice(out, 0, entriesSize),
		apkdigest.FromBytes(centralDir),
		apkdigest.FromBytes(eocd))
	if err != nil {
		return err
	}
	if blockReq != nil {
		if _, err := out.Write(make([]byte, blockReq.PaddingBefore)); err != nil {
			return err
		}
		if _, err := out.Write(blockReq.Block); err != nil {
			return err
		}
		dirLoc := entriesSize + int64(blockReq.PaddingBefore) + int64(len(blockReq.Block))
		if err := apkdigest.SetEOCDCentralDirectoryOffset(eocd, dirLoc); err != nil {
			return err
		}
		blockReq.Done()
	}
	if _, err := out.Write(centralDir); err != nil {
		return err
	}
	if _, err := out.Write(eocd); err != nil {
		return err
	}
	return eng.OutputDone()
}

func inputSigningBlock(r io.ReaderAt, inz *zipslicer.Directory, eng *signapk.Engine) error {
	_, block, err := apkblock.Locate(r, inz.DirLoc)
	if errors.Is(err, apkblock.ErrNoSigningBlock) {
		return nil
	} else if err != nil {
		return err
	}
	return eng.InputSigningBlock(apkdigest.FromBytes(block))
}

// inspect feeds the uncompressed contents of f to every request
func inspect(f *zipslicer.File, reqs ...signapk.InspectRequest) error {
	var writers []io.Writer
	var pending []signapk.InspectRequest
	for _, req := range reqs {
		if req != nil {
			writers = append(writers, req)
			pending = append(pending, req)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.MultiWriter(writers...), rc); err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	for _, req := range pending {
		req.Done()
	}
	return nil
}

// writeJarSignature appends the v1 signature entries requested by eng and
// reports them back to it
func writeJarSignature(zw *zipslicer.Writer, eng *signapk.Engine) error {
	req, err := eng.OutputJarEntries()
	if err != nil || req == nil {
		return err
	}
	for _, entry := range req.Entries {
		if err := zw.Create(entry.Name, entry.Data, zipslicer.MethodDeflate); err != nil {
			return fmt.Errorf("writing %s: %w", entry.Name, err)
		}
		outReq, err := eng.OutputJarEntry(entry.Name)
		if err != nil {
			return err
		}
		if outReq != nil {
			if _, err := outReq.Write(entry.Data); err != nil {
				return err
			}
			outReq.Done()
		}
	}
	req.Done()
	again, err := eng.OutputJarEntries()
	if err != nil {
		return err
	} else if again != nil {
		return errors.New("JAR signature was not accepted by the signing engine")
	}
	return nil
}
