/*
Copyright 2018 Google LLC.

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

package photocache

import (
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

const (
	unitDimensionless = "1"
	unitBytes         = "By"
	unitMillisecond   = "ms"
)

var (
	// Copied from https://github.com/census-instrumentation/opencensus-go/blob/ff7de98412e5c010eb978f11056f90c00561637f/plugin/ocgrpc/stats_common.go#L54
	defaultBytesDistribution = view.Distribution(0, 1024, 2048, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296)
	// Copied from https://github.com/census-instrumentation/opencensus-go/blob/ff7de98412e5c010eb978f11056f90c00561637f/plugin/ocgrpc/stats_common.go#L55
	defaultMillisecondsDistribution = view.Distribution(0, 0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000)
)

// Opencensus stats
var (
	MGets             = stats.Int64("gets", "The number of photo lookups", unitDimensionless)
	MCacheHits        = stats.Int64("cache_hits", "The number of lookups answered from the cache", unitDimensionless)
	MCacheMisses      = stats.Int64("cache_misses", "The number of lookups with nothing known about the address", unitDimensionless)
	MRacesStarted     = stats.Int64("races_started", "The number of lookups that dispatched to the photo sources", unitDimensionless)
	MRacesJoined      = stats.Int64("races_joined", "The number of lookups that joined a running race", unitDimensionless)
	MSourceDispatches = stats.Int64("source_dispatches", "The number of individual photo source calls", unitDimensionless)
	MSourceErrors     = stats.Int64("source_errors", "The number of errors returned by photo sources", unitDimensionless)
	MEarlySettlements = stats.Int64("early_settlements", "The number of races cut short by the soft deadline", unitDimensionless)
	MPhotoLength      = stats.Int64("photo_length", "The length of photos", unitBytes)

	MRoundtripLatencyMilliseconds = stats.Float64("roundtrip_latency", "Roundtrip latency in milliseconds", unitMillisecond)
)

// OperationKey tags the public operation being measured
var OperationKey = tag.MustNewKey("operation")

// AllViews is a slice of default views for people to use
var AllViews = []*view.View{
	{Name: "photocache/gets", Description: "The number of photo lookups", TagKeys: []tag.Key{OperationKey}, Measure: MGets, Aggregation: view.Count()},
	{Name: "photocache/cache_hits", Description: "The number of lookups answered from the cache", TagKeys: []tag.Key{OperationKey}, Measure: MCacheHits, Aggregation: view.Count()},
	{Name: "photocache/cache_misses", Description: "The number of lookups with nothing known about the address", TagKeys: []tag.Key{OperationKey}, Measure: MCacheMisses, Aggregation: view.Count()},
	{Name: "photocache/races_started", Description: "The number of lookups that dispatched to the photo sources", TagKeys: []tag.Key{OperationKey}, Measure: MRacesStarted, Aggregation: view.Count()},
	{Name: "photocache/races_joined", Description: "The number of lookups that joined a running race", TagKeys: []tag.Key{OperationKey}, Measure: MRacesJoined, Aggregation: view.Count()},
	{Name: "photocache/source_dispatches", Description: "The number of individual photo source calls", TagKeys: []tag.Key{OperationKey}, Measure: MSourceDispatches, Aggregation: view.Count()},
	{Name: "photocache/source_errors", Description: "The number of errors returned by photo sources", TagKeys: []tag.Key{OperationKey}, Measure: MSourceErrors, Aggregation: view.Count()},
	{Name: "photocache/early_settlements", Description: "The number of races cut short by the soft deadline", TagKeys: []tag.Key{OperationKey}, Measure: MEarlySettlements, Aggregation: view.Count()},
	{Name: "photocache/photo_length", Description: "The distribution of photo lengths", Measure: MPhotoLength, Aggregation: defaultBytesDistribution},
	{Name: "photocache/roundtrip_latency", Description: "The roundtrip latency", TagKeys: []tag.Key{OperationKey}, Measure: MRoundtripLatencyMilliseconds, Aggregation: defaultMillisecondsDistribution},
}

func sinceInMilliseconds(start time.Time) float64 {
	d := time.Since(start)
	return float64(d.Nanoseconds()) / 1e6
}
