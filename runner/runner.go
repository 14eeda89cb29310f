// Package runner executes tools as sandboxed, resource-limited
// containers. The Runner interface is the seam between the execution
// engine and the container platform; tests substitute a fake.
package runner

import (
	"context"
	"fmt"
	"time"
)

// MaxOutputBytes caps the combined stdout and stderr captured per run.
const MaxOutputBytes = 16 * 1024 * 1024

// Limits bounds a container's resource consumption.
type Limits struct {
	// MemoryBytes is the hard memory limit. Zero means the platform default.
	MemoryBytes int64

	// CPUPercent is the CPU quota as a percentage of one core
	// (100 = one full core). Zero means unlimited.
	CPUPercent int

	// PidsLimit bounds process count inside the container.
	PidsLimit int64
}

// Spec describes one container run.
type Spec struct {
	// InvocationID names the run for logging and container labels.
	InvocationID string

	Image string
	Argv  []string

	// Env holds KEY=VALUE pairs, including injected credentials. Values
	// are never logged.
	Env []string

	Limits  Limits
	Timeout time.Duration

	// Isolated disconnects the container from all networks. Exploit
	// phase tools run isolated.
	Isolated bool

	// CapAdd lists capabilities granted beyond the dropped-all baseline.
	CapAdd []string
}

// Metrics captures best-effort resource usage observed for a run.
type Metrics struct {
	Duration    time.Duration `json:"duration"`
	MaxMemBytes uint64        `json:"max_mem_bytes,omitempty"`
	CPUTotal    uint64        `json:"cpu_total_ns,omitempty"`
}

// Result is the outcome of a completed container run. A non-zero exit
// code is a result, not an error; errors are reserved for failures to
// run at all.
type Result struct {
	// Output is the combined stdout and stderr, capped at MaxOutputBytes.
	Output    string
	Truncated bool

	ExitCode int
	TimedOut bool

	Metrics Metrics
}

// Runner executes one container run to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// ImagePullError reports a failure to make the tool image available.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pull image %s: %v", e.Image, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// StartError reports a failure to create or start the container.
type StartError struct {
	Image string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start container for %s: %v", e.Image, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// HostError reports a container platform failure after the container
// started, such as losing the log stream or the wait channel.
type HostError struct {
	Op  string
	Err error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("container host: %s: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }
