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

package clientcache

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Opencensus stats
var (
	MConnects       = stats.Int64("client_connects", "The number of connect attempts", "1")
	MConnectErrors  = stats.Int64("client_connect_errors", "The number of failed connect attempts", "1")
	MConnectsJoined = stats.Int64("client_connects_joined", "The number of requests that joined a running connect", "1")
	MCacheHits      = stats.Int64("client_cache_hits", "The number of requests answered with a cached client", "1")
	MBackendDeaths  = stats.Int64("client_backend_deaths", "The number of backends that died", "1")
)

// ExtensionKey tags the extension name
var ExtensionKey = tag.MustNewKey("extension")

// AllViews is a slice of default views for people to use
var AllViews = []*view.View{
	{Name: "clientcache/connects", Description: "The number of connect attempts", TagKeys: []tag.Key{ExtensionKey}, Measure: MConnects, Aggregation: view.Count()},
	{Name: "clientcache/connect_errors", Description: "The number of failed connect attempts", TagKeys: []tag.Key{ExtensionKey}, Measure: MConnectErrors, Aggregation: view.Count()},
	{Name: "clientcache/connects_joined", Description: "The number of requests that joined a running connect", TagKeys: []tag.Key{ExtensionKey}, Measure: MConnectsJoined, Aggregation: view.Count()},
	{Name: "clientcache/cache_hits", Description: "The number of requests answered with a cached client", TagKeys: []tag.Key{ExtensionKey}, Measure: MCacheHits, Aggregation: view.Count()},
	{Name: "clientcache/backend_deaths", Description: "The number of backends that died", TagKeys: []tag.Key{ExtensionKey}, Measure: MBackendDeaths, Aggregation: view.Count()},
}
