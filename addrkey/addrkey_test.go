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

package addrkey

import (
	"sync"
	"testing"
)

func TestNormalize(t *testing.T) {
	for _, tbl := range []struct {
		name  string
		a, b  string
		equal bool
	}{
		{name: "case", a: "Foo@Bar.COM", b: "foo@bar.com", equal: true},
		{name: "composition", a: "jos\u00e9@example.com", b: "jose\u0301@example.com", equal: true},
		{name: "non_ascii_case", a: "ÉLODIE@example.com", b: "élodie@example.com", equal: true},
		{name: "different_local", a: "foo@bar.com", b: "fo0@bar.com", equal: false},
		{name: "different_domain", a: "foo@bar.com", b: "foo@baz.com", equal: false},
	} {
		t.Run(tbl.name, func(t *testing.T) {
			ka, kb := Normalize(tbl.a), Normalize(tbl.b)
			if (ka == kb) != tbl.equal {
				t.Errorf("Normalize(%q) == Normalize(%q): %v; want %v", tbl.a, tbl.b, ka == kb, tbl.equal)
			}
		})
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if Normalize("") != Normalize("") {
		t.Error("empty input is not stable")
	}
}

func TestNormalizeConcurrent(t *testing.T) {
	want := Normalize("someone@example.com")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := Normalize("SomeOne@Example.com"); got != want {
					t.Errorf("concurrent Normalize mismatch")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestAddressOnly(t *testing.T) {
	for _, tbl := range []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "jane@example.com", want: "jane@example.com"},
		{in: `"Jane Doe" <jane@example.com>`, want: "jane@example.com"},
		{in: "Jane <Jane@Example.com>", want: "Jane@Example.com"},
		{in: "not an address", wantErr: true},
	} {
		got, err := AddressOnly(tbl.in)
		if (err != nil) != tbl.wantErr {
			t.Errorf("AddressOnly(%q) error = %v; wantErr %v", tbl.in, err, tbl.wantErr)
			continue
		}
		if got != tbl.want {
			t.Errorf("AddressOnly(%q) = %q; want %q", tbl.in, got, tbl.want)
		}
	}
}
