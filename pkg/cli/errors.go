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

package cli

import "errors"

// These carry no message of their own: by the time a caller sees one, the
// failure line or status line has already been written to h.errOut/h.out.
// They exist only to give main() a distinguishable non-zero exit.
var (
	errAborted          = errors.New("cli: aborted by operator")
	errRunFailed        = errors.New("cli: run reported failure")
	errServerNotRunning = errors.New("cli: server not running")
)
