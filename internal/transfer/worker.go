/*
Copyright 2024.

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

package transfer

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// Engine runs transfer jobs, one worker per GPU. Workers share nothing:
// each opens its own process memory file and walks its own buffer list.
type Engine struct {
	strategies []strategy
}

// NewEngine builds the production strategy chain.
func NewEngine() *Engine {
	return &Engine{strategies: []strategy{
		newSDMAStrategy(),
		mmapStrategy{},
		procMemStrategy{},
	}}
}

// Run executes all jobs concurrently and waits for every worker before
// reporting. The first failure wins; the rest are logged.
func (e *Engine) Run(dir Direction, jobs []*Job) error {
	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j *Job) {
			defer wg.Done()
			errs[i] = e.runJob(dir, j)
		}(i, j)
	}
	wg.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = fmt.Errorf("gpu %#x: %w", jobs[i].GPUID, err)
		} else {
			klog.Errorf("transfer %s gpu %#x: %v", dir, jobs[i].GPUID, err)
		}
	}
	return first
}

func (e *Engine) runJob(dir Direction, j *Job) error {
	start := time.Now()
	defer func() { jobDuration.Observe(time.Since(start).Seconds()) }()

	memFD, err := unix.Open(fmt.Sprintf("/proc/%d/mem", j.Pid), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open memory of pid %d: %w", j.Pid, err)
	}
	defer unix.Close(memFD)

	for _, bo := range j.BOs {
		if !bo.Rec.IsMappable() {
			continue
		}
		if dir == Drain && bo.Data == nil {
			bo.Data = make([]byte, bo.Rec.Size)
		}
		if err := e.transferBO(dir, j, memFD, bo); err != nil {
			return fmt.Errorf("bo at %#x: %w", bo.Rec.Addr, err)
		}
	}
	return nil
}

func (e *Engine) transferBO(dir Direction, j *Job, memFD int, bo *BO) error {
	for _, s := range e.strategies {
		if !s.applicable(bo.Rec) {
			continue
		}
		err := s.run(dir, j, memFD, bo)
		if err == nil {
			bytesMoved.WithLabelValues(dir.String(), s.name()).Add(float64(bo.Rec.Size))
			return nil
		}
		if s.fatal() {
			return fmt.Errorf("%s: %w", s.name(), err)
		}
		fallbacks.WithLabelValues(s.name()).Inc()
		klog.Warningf("transfer %s gpu %#x: %s failed, trying next: %v",
			dir, j.GPUID, s.name(), err)
	}
	return fmt.Errorf("no strategy left for bo with flags %#x: %w",
		bo.Rec.AllocFlags, errdefs.ErrTransferFailure)
}
