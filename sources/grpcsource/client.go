/*
 Copyright 2019 Vimeo Inc.

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

// Package grpcsource fetches photos from peer processes over gRPC, and
// serves a PhotoCache to them.
//
// Each address is asked of exactly one peer, chosen on a consistent-hash
// ring over the normalized address, so peers holding the same list agree on
// which of them caches a given photo.
package grpcsource

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vimeo/photocache/addrkey"
	"github.com/vimeo/photocache/consistenthash"
)

var log = logging.Logger("photocache/grpcsource")

const segsPerPeer = 40

// Source implements photocache.Source by asking peers.
type Source struct {
	ring     *consistenthash.Ring
	conns    map[string]*grpc.ClientConn
	priority int
}

// New dials every peer and returns a Source reporting priority for the
// photos they return. Users without TLS on the peers should pass
// grpc.WithInsecure() as one of dialOpts.
func New(peers []string, priority int, dialOpts ...grpc.DialOption) (*Source, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("grpcsource: no peers")
	}
	s := &Source{
		ring:     consistenthash.New(segsPerPeer, nil),
		conns:    make(map[string]*grpc.ClientConn, len(peers)),
		priority: priority,
	}
	for _, p := range peers {
		if _, ok := s.conns[p]; ok {
			continue
		}
		conn, err := grpc.Dial(p, dialOpts...)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dialing peer %q: %w", p, err)
		}
		s.conns[p] = conn
	}
	s.ring.Add(peers...)
	return s, nil
}

func (s *Source) String() string {
	return fmt.Sprintf("grpc-peers%v", s.ring.Peers())
}

// Peer returns the peer asked about email.
func (s *Source) Peer(email string) string {
	return s.ring.Get(addrkey.Normalize(email))
}

// GetPhoto implements photocache.Source.
func (s *Source) GetPhoto(ctx context.Context, email string) (io.ReadCloser, int, error) {
	peer := s.Peer(email)
	out := new(wrapperspb.BytesValue)
	err := s.conns[peer].Invoke(ctx, getPhotoMethod, &wrapperspb.StringValue{Value: email}, out)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, 0, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, fmt.Errorf("fetching from peer %q: %w", peer, err)
	}
	log.Debugw("Fetched photo from peer", "peer", peer, "address", email, "bytes", len(out.GetValue()))
	return io.NopCloser(bytes.NewReader(out.GetValue())), s.priority, nil
}

// Close closes every peer connection.
func (s *Source) Close() error {
	var errs error
	for p, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %q: %w", p, err))
		}
	}
	return errs
}
