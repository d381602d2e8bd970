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

package ftdetect

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDetectFile(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want FileType
	}{
		{"qcow2", append([]byte{'Q', 'F', 'I', 0xfb}, make([]byte, 64)...), QCOW2},
		{"zstd", append([]byte{0x28, 0xb5, 0x2f, 0xfd}, make([]byte, 64)...), Zstd},
		{"raw", append([]byte{0, 0, 0, 0}, make([]byte, 64)...), RawDisk},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := writeTemp(t, c.data)
			got, err := DetectFile(p)
			if err != nil {
				t.Fatalf("DetectFile: %v", err)
			}
			if got != c.want {
				t.Errorf("DetectFile(%s) = %v, want %v", c.name, got, c.want)
			}
		})
	}
}

func TestDetectISO9660(t *testing.T) {
	data := make([]byte, iso9660IDOffset+8)
	copy(data[iso9660IDOffset:], iso9660ID)
	p := writeTemp(t, data)
	got, err := DetectFile(p)
	if err != nil {
		t.Fatalf("DetectFile: %v", err)
	}
	if got != ISO9660 {
		t.Errorf("DetectFile(iso) = %v, want %v", got, ISO9660)
	}
}
