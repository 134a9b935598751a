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

// Command opsipxeconfd is the daemon's startup wrapper: flag parsing,
// configuration loading, PID-file handling and UNIX signal wiring around
// the core in pkg/supervisor.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	fakebackend "github.com/opsi-org/opsipxeconfd/pkg/backend/fake"
	"github.com/opsi-org/opsipxeconfd/pkg/config"
	"github.com/opsi-org/opsipxeconfd/pkg/control"
	"github.com/opsi-org/opsipxeconfd/pkg/supervisor"
)

// version is set at the module's own release cadence; no build-time
// injection is wired up in this repository.
const version = "4.3.0.0"

type options struct {
	noFork   bool
	confFile string
	logLevel int
}

var opts = options{
	confFile: "/etc/opsi/opsipxeconfd.conf",
	logLevel: 5,
}

func main() {
	root := &cobra.Command{
		Use:     "opsipxeconfd",
		Short:   "opsi PXE boot configuration daemon",
		Version: version,
	}
	root.PersistentFlags().BoolVarP(&opts.noFork, "no-fork", "F", false, "don't daemonise")
	root.PersistentFlags().StringVarP(&opts.confFile, "conffile", "c", opts.confFile, "configuration file path")
	root.PersistentFlags().IntVarP(&opts.logLevel, "loglevel", "l", opts.logLevel, "log level (0-9)")

	root.AddCommand(
		versionCmd(),
		startCmd(),
		controlCmd("stop", "stop", nil),
		controlCmd("status", "status", nil),
		updateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <clientId> [<cachePath>]",
		Short: "request a boot configuration update for a client",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlCmd("update", "update", args).RunE(cmd, args)
		},
	}
}

func controlCmd(use, word string, fixedArgs []string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("send %q to the running daemon", word),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := append([]string{word}, fixedArgs...)
			tokens = append(tokens, args...)
			reply, err := sendCommand(tokens)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			if control.IsError(reply) {
				os.Exit(1)
			}
			return nil
		},
	}
}

func sendCommand(tokens []string) (string, error) {
	conn, err := net.DialTimeout("unix", supervisor.DefaultControlSocketPath, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", supervisor.DefaultControlSocketPath, err)
	}
	defer conn.Close()

	line := ""
	for i, t := range tokens {
		if i > 0 {
			line += " "
		}
		line += t
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("writing request: %w", err)
	}

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}
	return string(buf[:n]), nil
}

// runStart wires glog's verbosity to -l/--loglevel, loads configuration,
// handles the PID file, and runs the supervisor until a signal stops it.
// -F/--no-fork is honoured by not forking: this process always runs in the
// foreground, which is also what running under a process supervisor such
// as systemd expects (see pkg/supervisor's go-systemd readiness wiring).
func runStart() error {
	flag.Set("v", strconv.Itoa(opts.logLevel))
	defer glog.Flush()

	cfg, err := config.Load(opts.confFile)
	if err != nil {
		return fmt.Errorf("opsipxeconfd: %w", err)
	}

	if err := writePidFile(cfg.PidFile); err != nil {
		return fmt.Errorf("opsipxeconfd: %w", err)
	}
	defer os.Remove(cfg.PidFile)

	sv := supervisor.New(cfg, "", newFakeBackend, clockwork.NewRealClock())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	go handleSignals(sigCh, sv)

	if !opts.noFork {
		glog.Infof("opsipxeconfd %s starting (foreground; run under a process supervisor for true daemonisation)", version)
	} else {
		glog.Infof("opsipxeconfd %s starting", version)
	}
	return sv.Start()
}

// handleSignals runs on its own goroutine and only ever posts to the
// supervisor; no application logic runs in signal context (spec §5).
func handleSignals(sigCh <-chan os.Signal, sv *supervisor.Supervisor) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			newCfg, err := config.Load(opts.confFile)
			if err != nil {
				glog.Errorf("opsipxeconfd: reload: %v", err)
				continue
			}
			if err := sv.Reload(newCfg); err != nil {
				glog.Errorf("opsipxeconfd: reload: %v", err)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			sv.Stop()
			return
		}
	}
}

func writePidFile(path string) error {
	if existing, err := readPid(path); err == nil {
		if processAlive(existing) {
			return fmt.Errorf("another opsipxeconfd instance is already running (pid %d)", existing)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// newFakeBackend is a placeholder BackendFactory: the production opsi RPC
// client is out of scope for this repository (see pkg/backend's doc
// comment), so a fresh in-memory backend stands in until one is wired up.
func newFakeBackend(cfg config.Config) (backend.Backend, error) {
	return fakebackend.New(), nil
}
