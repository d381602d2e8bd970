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

package streamer

import "testing"

func TestParseTrailerLastLine(t *testing.T) {
	output := []byte("configuring node...\ndone\n" +
		`{"scenario":"apply","success":true,"duration_seconds":12.5,"context":{"edge_address":"10.0.0.5"}}` + "\n")

	trailer, ok := ParseTrailer(output)
	if !ok {
		t.Fatal("expected trailer to parse")
	}
	if !trailer.Success || trailer.Context["edge_address"] != "10.0.0.5" {
		t.Fatalf("got %+v", trailer)
	}
}

func TestParseTrailerIgnoresTrailingBlankLines(t *testing.T) {
	output := []byte(`{"scenario":"apply","success":false,"error":"boom"}` + "\n\n\n")
	trailer, ok := ParseTrailer(output)
	if !ok {
		t.Fatal("expected trailer to parse despite trailing blank lines")
	}
	if trailer.Success || trailer.Error != "boom" {
		t.Fatalf("got %+v", trailer)
	}
}

func TestParseTrailerRejectsIndentedJSON(t *testing.T) {
	// A JSON-looking line not at column zero must not be treated as the
	// trailer (spec.md §4.6: "begins at column zero").
	output := []byte("  {\"success\":true}\n")
	if _, ok := ParseTrailer(output); ok {
		t.Fatal("expected indented JSON to be rejected as trailer")
	}
}

func TestParseTrailerAbsentFallsBackToExitCode(t *testing.T) {
	output := []byte("plain log output\nwith no json\n")
	if _, ok := ParseTrailer(output); ok {
		t.Fatal("expected no trailer to parse")
	}
	synthesized := SynthesizeFromExitCode(0)
	if !synthesized.Success {
		t.Fatalf("SynthesizeFromExitCode(0) = %+v, want success", synthesized)
	}
	synthesized = SynthesizeFromExitCode(1)
	if synthesized.Success {
		t.Fatalf("SynthesizeFromExitCode(1) = %+v, want failure", synthesized)
	}
}

func TestProjectContextDiscardsUnlisted(t *testing.T) {
	trailer := Trailer{Context: map[string]string{
		"edge_address":    "10.0.0.5",
		"internal_secret": "do-not-leak",
	}}
	projected := ProjectContext(trailer, []string{"edge_address"})
	if projected["edge_address"] != "10.0.0.5" {
		t.Fatalf("got %+v", projected)
	}
	if _, leaked := projected["internal_secret"]; leaked {
		t.Fatal("unlisted key leaked into projected context")
	}
}

func TestRingCaptureDropsOldestOnOverflow(t *testing.T) {
	r := newRingCapture(8)
	r.Write([]byte("ABCDEFGH"))
	r.Write([]byte("IJ"))

	got := string(r.Bytes())
	if got != "CDEFGHIJ" {
		t.Fatalf("Bytes() = %q, want CDEFGHIJ (oldest bytes dropped)", got)
	}
}
