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

package apkscheme

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sassoftware/apksigner/lib/sigalg"
)

var MetricSignatures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apk_signatures_total",
		Help: "Signatures produced for APK signature scheme blocks",
	},
	[]string{"scheme", "algorithm"},
)

func countSignature(scheme int, alg *sigalg.Algorithm) {
	MetricSignatures.WithLabelValues("v"+strconv.Itoa(scheme), alg.Name).Inc()
}
