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

// Command photolookup finds contact photos for e-mail addresses, or serves
// them to peers over gRPC.
//
//	photolookup [flags] 'Jane Doe <jane@example.com>' bob@example.com
//	photolookup --contains bob@example.com
//	photolookup --listen :7070
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vimeo/photocache"
	"github.com/vimeo/photocache/addrkey"
	"github.com/vimeo/photocache/clientcache"
	"github.com/vimeo/photocache/registry"
	"github.com/vimeo/photocache/sources/bookphoto"
	"github.com/vimeo/photocache/sources/gravatar"
	"github.com/vimeo/photocache/sources/grpcsource"
	"github.com/vimeo/photocache/sqlitebook"
)

var log = logging.Logger("photolookup")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "photolookup:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("photolookup", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", DefaultConfigPath(), "configuration file")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.String("listen", "", "serve photos to peers on this address instead of looking up")
	outDir := fs.StringP("out", "o", "", "write each photo found into this directory")
	contains := fs.Bool("contains", false, "report whether an address book knows each address")
	parallel := fs.IntP("parallel", "p", 8, "lookups to run at once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath, fs)
	if err != nil {
		return err
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}

	a, err := newApp(cfg, cfg.Listen == "")
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case cfg.Listen != "":
		return a.serve(ctx, cfg.Listen)
	case *contains:
		return a.contains(ctx, fs.Args(), stdout, *parallel)
	default:
		return a.lookup(ctx, fs.Args(), stdout, *outDir, *parallel)
	}
}

type app struct {
	reg     *registry.Registry
	clients *clientcache.Cache
	photos  *photocache.PhotoCache
	books   *bookphoto.Source
	peers   *grpcsource.Source
	unsub   func()
}

// newApp wires the caches and sources. Peers are only consulted when
// withPeers is set; a serving node answers from its local sources.
func newApp(cfg *Config, withPeers bool) (*app, error) {
	a := &app{reg: registry.New()}
	for _, b := range cfg.Books {
		src := a.reg.Add(b.Name, clientcache.ExtAddressBook, b.Path)
		if !b.Enabled {
			a.reg.SetEnabled(src.UID(), false)
		}
	}

	a.clients = clientcache.New(a.reg,
		clientcache.WithConnector(clientcache.ExtAddressBook, &sqlitebook.Connector{Dir: cfg.DataDir}))
	a.unsub = a.clients.Subscribe(func(ev clientcache.Event) {
		if ev.Alert != nil {
			log.Warnw("Backend alert", "id", ev.Alert.ID, "source", ev.Alert.DisplayName, "message", ev.Alert.Message)
		}
	})

	a.photos = photocache.New(
		photocache.WithClientCache(a.clients),
		photocache.WithMaxEntries(cfg.MaxEntries),
		photocache.WithSoftDeadline(cfg.SoftDeadline),
	)

	a.books = bookphoto.New(a.reg, a.clients, cfg.BookPriority, cfg.ConnectWait)
	a.photos.AddSource(a.books)

	if cfg.Gravatar.Enabled {
		g, err := gravatar.New(
			gravatar.WithBaseURL(cfg.Gravatar.BaseURL),
			gravatar.WithPriority(cfg.Gravatar.Priority),
			gravatar.WithSize(cfg.Gravatar.Size),
			gravatar.WithRetry(cfg.Gravatar.RetryMax, 200*time.Millisecond, 2*time.Second),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("gravatar: %w", err)
		}
		a.photos.AddSource(g)
	}

	if withPeers && len(cfg.Peers) > 0 {
		p, err := grpcsource.New(cfg.Peers, cfg.PeerPriority, grpc.WithInsecure())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.peers = p
		a.photos.AddSource(p)
	}
	return a, nil
}

func (a *app) Close() error {
	a.photos.Close()
	if a.unsub != nil {
		a.unsub()
	}
	a.clients.Close()
	if a.peers != nil {
		return a.peers.Close()
	}
	return nil
}

type lookupResult struct {
	addr  string
	photo []byte
	found bool
	err   error
}

// forEach runs fn for every input address, at most parallel at a time,
// and returns the results in input order. Inputs may be formatted
// addresses; fn sees the bare address.
func forEach(ctx context.Context, inputs []string, parallel int, fn func(ctx context.Context, addr string) lookupResult) []lookupResult {
	results := make([]lookupResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, in := range inputs {
		g.Go(func() error {
			addr, err := addrkey.AddressOnly(in)
			if err != nil {
				results[i] = lookupResult{addr: in, err: err}
				return nil
			}
			results[i] = fn(gctx, addr)
			results[i].addr = addr
			return nil
		})
	}
	g.Wait()
	return results
}

func (a *app) lookup(ctx context.Context, inputs []string, out io.Writer, outDir string, parallel int) error {
	if len(inputs) == 0 {
		return errors.New("no addresses given")
	}
	results := forEach(ctx, inputs, parallel, func(ctx context.Context, addr string) lookupResult {
		photo, err := a.photos.GetPhoto(ctx, addr)
		if err != nil || photo == nil {
			return lookupResult{err: err}
		}
		defer photo.Close()
		data, err := io.ReadAll(photo)
		return lookupResult{photo: data, found: err == nil, err: err}
	})

	failed := 0
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			fmt.Fprintf(out, "%s: error: %v\n", r.addr, r.err)
		case !r.found:
			fmt.Fprintf(out, "%s: no photo\n", r.addr)
		default:
			fmt.Fprintf(out, "%s: %d bytes\n", r.addr, len(r.photo))
			if outDir != "" {
				if err := os.WriteFile(filepath.Join(outDir, r.addr), r.photo, 0o644); err != nil {
					return fmt.Errorf("writing photo for %s: %w", r.addr, err)
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d lookups failed", failed, len(results))
	}
	return nil
}

func (a *app) contains(ctx context.Context, inputs []string, out io.Writer, parallel int) error {
	if len(inputs) == 0 {
		return errors.New("no addresses given")
	}
	results := forEach(ctx, inputs, parallel, func(ctx context.Context, addr string) lookupResult {
		ok, err := a.books.Contains(ctx, addr)
		return lookupResult{found: ok, err: err}
	})
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(out, "%s: error: %v\n", r.addr, r.err)
			continue
		}
		fmt.Fprintf(out, "%s: %t\n", r.addr, r.found)
	}
	return nil
}

func (a *app) serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	grpcsource.RegisterServer(a.photos, grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	log.Infow("Serving photos", "addr", l.Addr().String())
	return grpcServer.Serve(l)
}
