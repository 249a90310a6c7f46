// Package workerpool runs short CPU or IO bound jobs on a fixed set of
// goroutines. Jobs are submitted through a Group, which collects the results
// of the jobs it submitted.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	mu        sync.RWMutex // guards closing taskQueue against Submit
	closed    bool
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Group is one batch of jobs. Results arrive in completion order.
type Group struct {
	bufferSize int
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run   func() interface{}
	group *Group
}

var ErrPoolClosed = fmt.Errorf("worker pool is closed")

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) Workers() int { return wp.config.WorkerCount }

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.group.resultChan <- t.run()
		t.group.wg.Done()
	}
}

// Close stops the workers once the queued tasks are done. Submitting after
// Close fails with ErrPoolClosed.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.closed {
		wp.closed = true
		close(wp.taskQueue)
	}
}

// NewGroup creates a group for up to size jobs.
func (wp *WorkerPool) NewGroup(size int) *Group {
	return &Group{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// Submit queues job, blocking while the global queue is full.
func (g *Group) Submit(job func() interface{}) error {
	g.wp.mu.RLock()
	defer g.wp.mu.RUnlock()
	if g.wp.closed {
		return ErrPoolClosed
	}
	if len(g.resultChan) == cap(g.resultChan) {
		return fmt.Errorf("group buffer of %d is full", g.bufferSize)
	}

	g.wg.Add(1)
	g.wp.taskQueue <- Task{run: job, group: g}
	return nil
}

// Collect waits for all submitted jobs and returns their results.
func (g *Group) Collect() []interface{} {
	go g.waitAndClose()
	results := make([]interface{}, 0, g.bufferSize)

	for result := range g.resultChan {
		results = append(results, result)
	}

	return results
}

func (g *Group) waitAndClose() {
	g.wg.Wait()
	close(g.resultChan)
}
