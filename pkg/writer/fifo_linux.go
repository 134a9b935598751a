// +build linux

/*
Copyright 2016 Mirantis

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

package writer

import (
	"os"
	"syscall"
)

func mkfifo(path string, mode uint32) error {
	if err := syscall.Mkfifo(path, mode); err != nil {
		return err
	}
	// Mkfifo honours umask; force the world-readable mode §6 requires.
	return os.Chmod(path, os.FileMode(mode))
}

// openForWrite opens path for non-blocking write. While no process has the
// read end open, Linux fails this with ENXIO; isNoReaderYet recognises that
// specific errno as the retryable condition, everything else is terminal.
func openForWrite(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

func isNoReaderYet(err error) bool {
	return err == syscall.ENXIO
}
