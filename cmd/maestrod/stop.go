// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/lifecycle"
)

func newStopCommand() *cobra.Command {
	var (
		cfgFile string
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Long: `Stop the daemon recorded in the PID file.

Sends SIGTERM and waits for the process to drain and exit. With --force,
a SIGKILL follows if the timeout elapses. Stopping an already-stopped
daemon succeeds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cfgFile, timeout, force)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for a clean exit")
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL if the timeout elapses")
	return cmd
}

func runStop(cfgFile string, timeout time.Duration, force bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return configError(err)
	}
	if cfg.PIDFile == "" {
		return configError(fmt.Errorf("no PID file configured"))
	}

	pidFile := lifecycle.NewPIDFile(cfg.PIDFile)
	pid, err := pidFile.Read()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("maestrod is not running")
			return nil
		}
		return runtimeError(err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		// Stale PID file from an unclean exit.
		_ = pidFile.Remove()
		fmt.Println("maestrod is not running")
		return nil
	}

	fmt.Printf("Stopping maestrod (pid %d)...\n", pid)
	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		if errors.Is(err, lifecycle.ErrProcessNotRunning) {
			fmt.Println("maestrod is not running")
			return nil
		}
		return runtimeError(err)
	}
	fmt.Println("maestrod stopped")
	return nil
}
