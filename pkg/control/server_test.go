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

package control

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	return conn
}

func TestServerDispatchesCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsipxeconfd.socket")

	s := New(path, 4, func(cmd string, args []string) string {
		switch cmd {
		case "status":
			return "0 active writers"
		case "update":
			if len(args) == 0 {
				return Errorf("missing hostId")
			}
			return "Boot configuration updated"
		default:
			return Errorf("unknown command %q", cmd)
		}
	})
	require.NoError(t, s.Listen())
	go s.Serve()
	defer s.Stop()

	conn := dial(t, path)
	conn.Write([]byte("status"))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "0 active writers\n", reply)
	conn.Close()

	conn = dial(t, path)
	conn.Write([]byte("update h1.example.org"))
	reply, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Boot configuration updated\n", reply)
	conn.Close()

	conn = dial(t, path)
	conn.Write([]byte("bogus"))
	reply, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.True(t, IsError(reply))
	conn.Close()
}

func TestServerStopRemovesSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsipxeconfd.socket")

	s := New(path, 4, func(cmd string, args []string) string { return "ok" })
	require.NoError(t, s.Listen())
	go s.Serve()

	s.Stop()
	time.Sleep(50 * time.Millisecond)
	_, err := os.Lstat(path)
	require.True(t, os.IsNotExist(err))
}
