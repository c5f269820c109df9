/*
 Copyright 2023 BucketFS Authors.

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

package utils

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/utils/logger"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")

	workerQueueDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_pool_queue_depth",
			Help: "The number of tasks waiting for a worker.",
		},
		[]string{"pool"},
	)
	workerTaskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_pool_tasks",
			Help: "This count of tasks finished by worker pool.",
		},
		[]string{"pool", "result"},
	)
)

func init() {
	prometheus.MustRegister(workerQueueDepthGauge, workerTaskCounter)
}

// Task is one unit of blocking work. The context passed in is detached from
// the submitter's cancellation, a running transfer is never interrupted.
type Task func(ctx context.Context) error

type poolTask struct {
	ctx  context.Context
	fn   Task
	done func(error)
}

// WorkerPool is a bounded task queue drained by a fixed set of goroutines.
type WorkerPool struct {
	name   string
	queue  chan poolTask
	closed bool
	mux    sync.RWMutex
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	p := &WorkerPool{
		name:   name,
		queue:  make(chan poolTask, queueSize),
		logger: logger.NewLogger("workers").With(zap.String("pool", name)),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit blocks while the queue is full. done is called exactly once, with the
// task result or with the reason the task never ran.
func (p *WorkerPool) Submit(ctx context.Context, fn Task, done func(error)) error {
	p.mux.RLock()
	defer p.mux.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	t := poolTask{ctx: context.WithoutCancel(ctx), fn: fn, done: done}
	select {
	case p.queue <- t:
		workerQueueDepthGauge.WithLabelValues(p.name).Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs fn in the background, errors are only logged.
func (p *WorkerPool) Go(ctx context.Context, fn Task) error {
	return p.Submit(ctx, fn, func(err error) {
		if err != nil {
			p.logger.Warnw("background task failed", "err", err)
		}
	})
}

func (p *WorkerPool) NewBatch() *Batch {
	return &Batch{ID: uuid.New().String(), pool: p}
}

func (p *WorkerPool) Close() {
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mux.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		workerQueueDepthGauge.WithLabelValues(p.name).Set(float64(len(p.queue)))
		err := p.run(t)
		if err != nil {
			workerTaskCounter.WithLabelValues(p.name, "failed").Inc()
		} else {
			workerTaskCounter.WithLabelValues(p.name, "succeed").Inc()
		}
		if t.done != nil {
			t.done(err)
		}
	}
}

func (p *WorkerPool) run(t poolTask) (err error) {
	defer func() {
		if panicErr := Recover(recover()); panicErr != nil {
			p.logger.Errorw("task panic", "err", panicErr)
			err = panicErr
		}
	}()
	return t.fn(t.ctx)
}

// Batch joins every task submitted through it. The whole batch fails with the
// first task error, but Wait still returns only after all tasks finished.
type Batch struct {
	ID   string
	pool *WorkerPool

	wg     sync.WaitGroup
	mux    sync.Mutex
	err    error
	failed int
}

func (b *Batch) Go(ctx context.Context, fn Task) {
	b.wg.Add(1)
	err := b.pool.Submit(ctx, fn, func(err error) {
		b.record(err)
		b.wg.Done()
	})
	if err != nil {
		b.record(err)
		b.wg.Done()
	}
}

func (b *Batch) Wait() error {
	b.wg.Wait()
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil && b.failed > 1 {
		b.pool.logger.Warnw("batch failed", "batch", b.ID, "failed", b.failed, "err", b.err)
	}
	return b.err
}

func (b *Batch) record(err error) {
	if err == nil {
		return
	}
	b.mux.Lock()
	if b.err == nil {
		b.err = err
	}
	b.failed++
	b.mux.Unlock()
}
