/*
Copyright 2013 Google Inc.

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

// Package consistenthash maps addresses onto a ring of peers so that every
// node asks the same peer about the same address.
package consistenthash // import "github.com/vimeo/photocache/consistenthash"

import (
	"hash/crc32"
	"slices"
	"strconv"
)

// Hash maps data onto the ring.
type Hash func(data []byte) uint32

// Ring assigns keys to peers. It is not safe for concurrent mutation.
type Ring struct {
	hash        Hash
	segsPerPeer int
	points      []uint32 // sorted
	owners      map[uint32]string
	peers       map[string]struct{}
}

// New returns an empty ring where each peer owns segsPerPeer points. A nil
// fn selects CRC-32 (IEEE).
func New(segsPerPeer int, fn Hash) *Ring {
	if segsPerPeer < 1 {
		segsPerPeer = 1
	}
	if fn == nil {
		fn = crc32.ChecksumIEEE
	}
	return &Ring{
		hash:        fn,
		segsPerPeer: segsPerPeer,
		owners:      make(map[uint32]string),
		peers:       make(map[string]struct{}),
	}
}

// IsEmpty reports whether the ring has no peers.
func (r *Ring) IsEmpty() bool {
	return len(r.points) == 0
}

// Add places peers on the ring. Adding a known peer is a no-op. When two
// peers hash to the same point the lexically smaller one owns it, so the
// ring does not depend on insertion order.
func (r *Ring) Add(peers ...string) {
	for _, p := range peers {
		if _, ok := r.peers[p]; ok {
			continue
		}
		r.peers[p] = struct{}{}
		for i := 0; i < r.segsPerPeer; i++ {
			h := r.hash([]byte(strconv.Itoa(i) + p))
			if cur, taken := r.owners[h]; taken {
				if p < cur {
					r.owners[h] = p
				}
				continue
			}
			r.owners[h] = p
			r.points = append(r.points, h)
		}
	}
	slices.Sort(r.points)
}

// Remove takes peer off the ring.
func (r *Ring) Remove(peer string) {
	if _, ok := r.peers[peer]; !ok {
		return
	}
	delete(r.peers, peer)
	r.rebuild()
}

func (r *Ring) rebuild() {
	peers := r.Peers()
	r.points = r.points[:0]
	clear(r.owners)
	clear(r.peers)
	r.Add(peers...)
}

// Peers returns the peers on the ring, sorted.
func (r *Ring) Peers() []string {
	out := make([]string, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Get returns the peer owning key, or "" for an empty ring.
func (r *Ring) Get(key string) string {
	if r.IsEmpty() {
		return ""
	}
	h := r.hash([]byte(key))
	idx, _ := slices.BinarySearch(r.points, h)
	if idx == len(r.points) {
		// wrapped past the last point
		idx = 0
	}
	return r.owners[r.points[idx]]
}
