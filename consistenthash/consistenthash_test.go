/*
Copyright 2022 Vimeo Inc.

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

package consistenthash

import (
	"math/rand"
	"reflect"
	"strconv"
	"testing"
)

func TestGetEmpty(t *testing.T) {
	r := New(3, nil)
	if !r.IsEmpty() {
		t.Fatal("new ring is not empty")
	}
	if got := r.Get("jane@example.com"); got != "" {
		t.Errorf("Get on empty ring = %q", got)
	}
}

func TestGet(t *testing.T) {
	// the peer names are the points, so ownership is easy to reason about
	r := New(3, func(d []byte) uint32 {
		i, err := strconv.Atoi(string(d))
		if err != nil {
			panic(err)
		}
		return uint32(i)
	})
	// points 06 16 26, 04 14 24, 02 12 22
	r.Add("6", "4", "2")

	for key, want := range map[string]string{
		"2":  "2",
		"11": "2",
		"23": "4",
		"27": "2", // wraps
	} {
		if got := r.Get(key); got != want {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}

	r.Add("8")
	if got := r.Get("27"); got != "8" {
		t.Errorf("Get(27) after adding 8 = %q, want 8", got)
	}
	r.Remove("8")
	if got := r.Get("27"); got != "2" {
		t.Errorf("Get(27) after removing 8 = %q, want 2", got)
	}
	if got, want := r.Peers(), []string{"2", "4", "6"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Peers() = %v, want %v", got, want)
	}
}

func TestConsistency(t *testing.T) {
	r1 := New(50, nil)
	r2 := New(50, nil)
	r1.Add("10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000")
	r2.Add("10.0.0.3:9000", "10.0.0.1:9000", "10.0.0.2:9000")

	for i := 0; i < 100; i++ {
		key := "user" + strconv.Itoa(i) + "@example.com"
		if a, b := r1.Get(key), r2.Get(key); a != b {
			t.Fatalf("rings disagree on %q: %q vs %q", key, a, b)
		}
	}
}

func TestRemoveMovesOnlyItsKeys(t *testing.T) {
	r := New(50, nil)
	r.Add("a", "b", "c")
	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := strconv.Itoa(i)
		before[key] = r.Get(key)
	}
	r.Remove("b")
	for key, owner := range before {
		got := r.Get(key)
		if owner != "b" && got != owner {
			t.Errorf("key %q moved from %q to %q", key, owner, got)
		}
		if got == "b" {
			t.Errorf("key %q still on removed peer", key)
		}
	}
}

func FuzzHashCollision(f *testing.F) {
	hashFunc := func(d []byte) uint32 {
		if len(d) < 2 {
			return uint32(d[0])
		}
		return uint32(d[0] + d[1])
	}
	f.Fuzz(func(t *testing.T, in1, in2, in3, in4 string, seed int64, segments uint) {
		if segments < 1 || segments > 1<<20 {
			t.Skip()
		}
		rnd := rand.New(rand.NewSource(seed))
		input := [...]string{in1, in2, in3, in4}
		rnd.Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })

		r1 := New(int(segments), hashFunc)
		r1.Add(input[:]...)

		rnd.Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })
		r2 := New(int(segments), hashFunc)
		r2.Add(input[:]...)

		if !reflect.DeepEqual(r1.owners, r2.owners) {
			t.Errorf("owners differ: %+v vs %+v", r1.owners, r2.owners)
		}
		if !reflect.DeepEqual(r1.points, r2.points) {
			t.Errorf("points differ: %+v vs %+v", r1.points, r2.points)
		}
	})
}
