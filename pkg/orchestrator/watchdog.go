// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

// ErrParentExited reports that the supervising host process is gone; the
// orchestrator stops gracefully rather than running orphaned.
var ErrParentExited = errors.New("parent process exited")

// watchParent polls the parent pid with signal 0 until it disappears or
// the context ends.
func watchParent(ctx context.Context, pid int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !processAlive(pid) {
			return ErrParentExited
		}
	}
}

// processAlive checks pid liveness without touching the process. On
// Linux, signal 0 fails with ESRCH once the pid is gone; EPERM still
// means alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
