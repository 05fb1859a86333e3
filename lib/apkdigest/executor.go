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
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Executor runs a worker function from one or more goroutines and waits for
// all of them. Workers pull their own work items, so the executor only
// decides the degree of parallelism.
type Executor interface {
	Execute(ctx context.Context, worker func(ctx context.Context) error) error
}

type singleThreaded struct{}

// SingleThreaded runs the worker once on the calling goroutine
var SingleThreaded Executor = singleThreaded{}

func (singleThreaded) Execute(ctx context.Context, worker func(ctx context.Context) error) error {
	return worker(ctx)
}

// ParallelExecutor runs a fixed number of workers. The first error cancels
// the context passed to the others.
type ParallelExecutor struct {
	workers int
}

// NewParallelExecutor returns an executor with n workers, or GOMAXPROCS
// workers if n is not positive
func NewParallelExecutor(n int) *ParallelExecutor {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &ParallelExecutor{workers: n}
}

func (e *ParallelExecutor) Workers() int {
	return e.workers
}

func (e *ParallelExecutor) Execute(ctx context.Context, worker func(ctx context.Context) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		eg.Go(func() error { return worker(ctx) })
	}
	return eg.Wait()
}
