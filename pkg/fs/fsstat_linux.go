// +build linux

/*
Copyright 2019 Mirantis

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

// Package fs provides filesystem checks for the directory the daemon
// writes PXE boot configuration FIFOs into.
package fs

import (
	"fmt"
	"syscall"
)

// UsedBytesAndInodes returns bytes used and inodes used on the filesystem
// that contains path.
func UsedBytesAndInodes(path string) (uint64, uint64, error) {
	fs := syscall.Statfs_t{}
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	return (fs.Blocks - fs.Bfree) * uint64(fs.Bsize), fs.Files - fs.Ffree, nil
}

// CheckWritable verifies that the PXE config directory's filesystem has
// free inodes and free space left to create FIFOs in. mkfifo fails with
// ENOSPC late and confusingly; this check lets the daemon report the
// condition with a clear error at startup instead. pkg/supervisor logs that
// error as a warning and starts anyway.
func CheckWritable(path string) error {
	fs := syscall.Statfs_t{}
	if err := syscall.Statfs(path, &fs); err != nil {
		return fmt.Errorf("fs: statfs %s: %w", path, err)
	}
	if fs.Bfree == 0 {
		return fmt.Errorf("fs: %s: filesystem full", path)
	}
	if fs.Ffree == 0 {
		return fmt.Errorf("fs: %s: filesystem has no free inodes", path)
	}
	return nil
}
