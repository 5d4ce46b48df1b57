// Copyright 2025 Cirro Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stopper

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/common/cerr"
)

// Option option for create stopper
type Option func(*Stopper)

// WithLogger set the logger used by the stopper
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stopper) {
		s.logger = logger
	}
}

// Stopper manages a group of background tasks. Once Stop is called every
// task's context is cancelled and Stop blocks until all of them return.
type Stopper struct {
	name    string
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewStopper create a stopper with name
func NewStopper(name string, opts ...Option) *Stopper {
	s := &Stopper{name: name}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("stopper").With(zap.String("name", name))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RunTask run a task on a new goroutine. The task must exit once the given
// context is done. Returns an error if the stopper is already stopped.
func (s *Stopper) RunTask(task func(context.Context)) error {
	return s.RunNamedTask("", task)
}

// RunNamedTask is similar to RunTask, with a name for debug logging.
func (s *Stopper) RunNamedTask(name string, task func(context.Context)) error {
	if s.stopped.Load() {
		return cerr.NewInvalidState("stopper %s is stopped", s.name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if name != "" {
			s.logger.Debug("task started", zap.String("task", name))
			defer s.logger.Debug("task stopped", zap.String("task", name))
		}
		task(s.ctx)
	}()
	return nil
}

// Stop cancels all running tasks and waits for them to exit.
func (s *Stopper) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.wg.Wait()
}
