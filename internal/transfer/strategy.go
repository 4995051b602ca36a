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

// Package transfer moves buffer-object contents between device memory and
// checkpoint images. Each buffer goes through a strategy chain: an engine
// copy where the hardware allows it, a direct mapping of the render device
// for host-visible memory, and the process memory file as the last resort.
package transfer

import (
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

// Direction of a transfer run.
type Direction int

const (
	// Drain reads device memory into image payloads.
	Drain Direction = iota
	// Fill writes image payloads back into restored device memory.
	Fill
)

func (d Direction) String() string {
	if d == Drain {
		return "drain"
	}
	return "fill"
}

// BO couples one driver record with its image payload. On drain the worker
// fills Data; on fill Data is the source.
type BO struct {
	Rec  *kfd.BORecord
	Data []byte
}

// Job is the work unit of one GPU. On drain Pid is the checkpointed
// process; on fill it is the calling process, whose address space holds the
// freshly mapped allocations.
type Job struct {
	GPUID    uint32
	Pid      uint32
	RenderFD int
	BOs      []*BO
}

type strategy interface {
	name() string
	// applicable reports whether this strategy can move the given buffer
	// at all; inapplicable strategies are skipped without counting as a
	// fallback.
	applicable(rec *kfd.BORecord) bool
	// fatal strategies abort the job on failure instead of falling
	// through to the next one.
	fatal() bool
	run(dir Direction, j *Job, memFD int, bo *BO) error
}
