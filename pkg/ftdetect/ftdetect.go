// Copyright 2025 AUTHORS
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

// Package ftdetect sniffs the format of a boot artifact so EnsureImageArtifact
// knows how to stage it in the hypervisor's local store.
package ftdetect

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

type FileType int

const (
	Unknown FileType = iota
	QCOW2
	RawDisk
	ISO9660
	Zstd
)

func (t FileType) String() string {
	switch t {
	case QCOW2:
		return "qcow2"
	case RawDisk:
		return "raw"
	case ISO9660:
		return "iso9660"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	qcow2Magic = []byte{'Q', 'F', 'I', 0xfb}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	iso9660ID  = []byte("CD001")
)

const iso9660IDOffset = 0x8001

// DetectFile sniffs the format of the artifact at path. It never trusts the
// file extension; split-file parts (.partaa, .partab, ...) are expected to
// be detected by the caller via the filename suffix before DetectFile is
// consulted on the reassembled whole.
func DetectFile(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()
	return Detect(f)
}

// Detect sniffs the format of an artifact from an io.ReaderAt, so callers can
// probe a file that is still open for other purposes.
func Detect(r io.ReaderAt) (FileType, error) {
	var head [4]byte
	if _, err := r.ReadAt(head[:], 0); err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("failed to read artifact header: %w", err)
	}
	if bytes.Equal(head[:], qcow2Magic) {
		return QCOW2, nil
	}
	if bytes.Equal(head[:], zstdMagic) {
		return Zstd, nil
	}
	var isoID [5]byte
	if _, err := r.ReadAt(isoID[:], iso9660IDOffset); err == nil && bytes.Equal(isoID[:], iso9660ID) {
		return ISO9660, nil
	}
	return RawDisk, nil
}
