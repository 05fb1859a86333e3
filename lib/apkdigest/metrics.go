//
// Copyright (c) SAS Institute Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package apkdigest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buckets = []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	MetricDigestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apk_digest_seconds",
			Help:    "A histogram of latencies for APK content digests",
			Buckets: buckets,
		},
		[]string{"algorithm"},
	)
	MetricDigestBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apk_digest_bytes_total",
			Help: "Bytes of APK content digested",
		},
		[]string{"algorithm"},
	)
)

func observe(alg ContentDigestAlgorithm, start time.Time, n int64) {
	MetricDigestSeconds.WithLabelValues(alg.String()).Observe(time.Since(start).Seconds())
	MetricDigestBytes.WithLabelValues(alg.String()).Add(float64(n))
}
