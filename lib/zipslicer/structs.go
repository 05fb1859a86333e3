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

package zipslicer

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64LocSignature  = 0x07064b50
	dataDescriptorSignature  = 0x08074b50

	fileHeaderLen      = 30
	directoryHeaderLen = 46
	directoryEndLen    = 22
	directory64LocLen  = 20
	dataDescriptorLen  = 12

	// largest possible comment plus the fixed part of the end record
	maxEndSearch = directoryEndLen + 0xffff

	flagDataDescriptor = 0x8
	flagUTF8           = 0x800

	zip20 = 20

	uint16Max = 0xffff
	uint32Max = 0xffffffff

	// MethodStore and MethodDeflate are the compression methods understood
	// when reading entry contents
	MethodStore   = 0
	MethodDeflate = 8
)

type zipLocalHeader struct {
	Signature        uint32
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLen      uint16
	ExtraLen         uint16
}

type zipCentralDir struct {
	Signature        uint32
	CreatorVersion   uint16
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLen      uint16
	ExtraLen         uint16
	CommentLen       uint16
	StartDisk        uint16
	InternalAttrs    uint16
	ExternalAttrs    uint32
	Offset           uint32
}

type zipEndRecord struct {
	Signature    uint32
	DiskNumber   uint16
	DiskCD       uint16
	DiskCDCount  uint16
	TotalCDCount uint16
	CDSize       uint32
	CDOffset     uint32
	CommentLen   uint16
}
