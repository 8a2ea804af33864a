// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package compactor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder  *tiktoken.Tiktoken
	encoderInitMu sync.Once
)

// estimateTokens counts tokens with cl100k_base (Claude-compatible
// approximation), falling back to chars/4 if the encoding cannot load.
func estimateTokens(text string) int {
	encoderInitMu.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		tokenEncoder = tkm
	})
	if tokenEncoder == nil {
		return len(text) / 4
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}
