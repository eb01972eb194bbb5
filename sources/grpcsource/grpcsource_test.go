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

package grpcsource

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vimeo/photocache"
)

// peerSource answers every address except nobody@ with the peer's own
// address, so the tests can tell which peer served a photo.
type peerSource struct {
	addr string
}

func (p *peerSource) GetPhoto(ctx context.Context, email string) (io.ReadCloser, int, error) {
	if strings.HasPrefix(email, "nobody") {
		return nil, 0, nil
	}
	return io.NopCloser(strings.NewReader(p.addr)), 1, nil
}

func TestGRPCPeerSource(t *testing.T) {
	var wg sync.WaitGroup

	const (
		nPeers   = 3
		nLookups = 50
	)

	var peerAddresses []string
	var peerListeners []net.Listener
	for i := 0; i < nPeers; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		peerAddresses = append(peerAddresses, l.Addr().String())
		peerListeners = append(peerListeners, l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, l := range peerListeners {
		runTestPeerServer(ctx, t, l, &wg)
	}

	src, err := New(peerAddresses, 5, grpc.WithInsecure())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	pc := photocache.New()
	defer pc.Close()
	pc.AddSource(src)

	served := make(map[string]int)
	for i := 0; i < nLookups; i++ {
		email := "user" + strconv.Itoa(i) + "@example.com"
		photo, err := pc.GetPhoto(ctx, email)
		if err != nil {
			t.Fatal(err)
		}
		if photo == nil {
			t.Fatalf("no photo for %q", email)
		}
		data, err := io.ReadAll(photo)
		photo.Close()
		if err != nil {
			t.Fatal(err)
		}
		if want := src.Peer(email); string(data) != want {
			t.Errorf("GetPhoto(%q) served by %q, expected %q", email, data, want)
		}
		served[string(data)]++
	}
	if len(served) < 2 {
		t.Errorf("lookups not spread across peers: %v", served)
	}

	photo, prio, err := src.GetPhoto(ctx, "nobody@example.com")
	if err != nil || photo != nil || prio != 0 {
		t.Errorf("GetPhoto(nobody) = %v, %d, %v; expected no match", photo, prio, err)
	}

	cancel()
	wg.Wait()
}

func TestEmptyAddressRejected(t *testing.T) {
	pc := photocache.New()
	defer pc.Close()
	h := &Handler{cache: pc}
	_, err := h.GetPhoto(context.Background(), &wrapperspb.StringValue{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestNoPeers(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Error("expected an error without peers")
	}
}

func runTestPeerServer(ctx context.Context, t testing.TB, listener net.Listener, wg *sync.WaitGroup) {
	pc := photocache.New()
	pc.AddSource(&peerSource{addr: listener.Addr().String()})
	grpcServer := grpc.NewServer()
	RegisterServer(pc, grpcServer)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := grpcServer.Serve(listener); err != nil {
			t.Errorf("Serve failed: %s", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		grpcServer.GracefulStop()
		pc.Close()
	}()
}
