/*
Copyright 2025 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package addrkey turns email addresses into cache keys.
package addrkey

import (
	"fmt"
	"sync"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type normalizer struct {
	lower cases.Caser
	coll  *collate.Collator
	buf   collate.Buffer
}

// Casers and Collators keep per-use state, so each goroutine borrows its own.
var normalizers = sync.Pool{
	New: func() any {
		return &normalizer{
			lower: cases.Lower(language.Und),
			coll:  collate.New(language.Und),
		}
	},
}

// Normalize returns the cache key for an email address: the address is
// lower-cased and then reduced to its root-locale collation key, so
// addresses that differ only in case or Unicode composition share a key.
// The empty string is a valid input.
func Normalize(email string) string {
	n := normalizers.Get().(*normalizer)
	defer normalizers.Put(n)

	lowered := n.lower.String(email)
	key := string(n.coll.KeyFromString(&n.buf, lowered))
	n.buf.Reset()
	return key
}

// AddressOnly reduces a formatted address such as `"Jane Doe" <jane@example.com>`
// to its bare address part.
func AddressOnly(formatted string) (string, error) {
	addr, err := mail.ParseAddress(formatted)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", formatted, err)
	}
	return addr.Address, nil
}
