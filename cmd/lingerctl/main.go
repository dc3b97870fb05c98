// Copyright 2018 The gVisor Authors.
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

// Command lingerctl is a demo CLI that exercises some of the scenarios
// from spec.md §8 (S1, S2 and S4) against the real scheduler, the
// ambient-CLI analogue of runsc's subcommand-per-sentry-operation
// convention.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/efficient/golinger/pkg/config"
	"github.com/efficient/golinger/pkg/ctxswitch"
	"github.com/efficient/golinger/pkg/sched"
)

var log = logrus.WithField("component", "lingerctl")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&demoCommand{}, "")
	subcommands.Register(&groupLimitCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// demoCommand launches one spinning task: it either completes within its
// budget (S1) or is preempted once the budget elapses and is then resumed
// to completion (S2). With -cancel, a paused task is closed instead. The
// sample closure never pauses cooperatively.
type demoCommand struct {
	budgetUs  uint64
	sleepMs   int
	cancelled bool
}

func (*demoCommand) Name() string     { return "demo" }
func (*demoCommand) Synopsis() string { return "launch and resume a sample task to completion" }
func (*demoCommand) Usage() string {
	return "demo [-budget-us N] [-sleep-ms N] [-cancel]:\n  run a sample preemptible closure and report its outcome.\n"
}

func (c *demoCommand) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.budgetUs, "budget-us", 1000, "initial wall-clock budget in microseconds")
	f.IntVar(&c.sleepMs, "sleep-ms", 5, "how long the sample closure spins before returning")
	f.BoolVar(&c.cancelled, "cancel", false, "cancel the task instead of resuming it to completion")
}

func (c *demoCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	s := sched.New(cfg)

	deadline := time.Now().Add(time.Duration(c.sleepMs) * time.Millisecond)
	l, err := sched.Launch(s, func(y *ctxswitch.Yielder) string {
		for time.Now().Before(deadline) {
			if y.Requested() {
				y.Pause(false)
			}
		}
		return "done"
	}, c.budgetUs)
	if err != nil {
		log.WithError(err).Error("launch failed")
		return subcommands.ExitFailure
	}

	if c.cancelled {
		if l.IsContinuation() {
			if err := l.Close(); err != nil {
				log.WithError(err).Error("cancel failed")
				return subcommands.ExitFailure
			}
			fmt.Println("cancelled")
			return subcommands.ExitSuccess
		}
		fmt.Println("task had already completed before cancel was requested")
		return subcommands.ExitSuccess
	}

	for l.IsContinuation() {
		if err := sched.Resume(l, sched.Unbounded); err != nil {
			log.WithError(err).Error("resume failed")
			return subcommands.ExitFailure
		}
	}
	v, _ := l.Value()
	fmt.Printf("result: %s\n", v)
	return subcommands.ExitSuccess
}

// groupLimitCommand drives S4: launching GroupLimit+1 concurrent tasks
// without dropping any reports the scheduler's concurrency gate.
type groupLimitCommand struct {
	limit int
}

func (*groupLimitCommand) Name() string     { return "group-limit" }
func (*groupLimitCommand) Synopsis() string { return "demonstrate the GROUP_LIMIT concurrency gate" }
func (*groupLimitCommand) Usage() string {
	return "group-limit [-limit N]:\n  launch N+1 concurrent tasks and report the GROUP_LIMIT failure.\n"
}

func (c *groupLimitCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "limit", 2, "GROUP_LIMIT to configure for the demo scheduler")
}

func (c *groupLimitCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	cfg.GroupLimit = c.limit
	s := sched.New(cfg)

	var lingers []*sched.Linger[int]
	for i := 0; i < c.limit; i++ {
		l, err := sched.Launch(s, func(y *ctxswitch.Yielder) int {
			y.Pause(true)
			return 0
		}, sched.Unbounded)
		if err != nil {
			log.WithError(err).Error("unexpected launch failure below the limit")
			return subcommands.ExitFailure
		}
		lingers = append(lingers, l)
	}

	if _, err := sched.Launch(s, func(y *ctxswitch.Yielder) int { return 0 }, sched.Unbounded); err == sched.ErrGroupLimit {
		fmt.Printf("launching task %d of %d was refused: %v\n", c.limit+1, c.limit, err)
	} else {
		log.Error("expected ErrGroupLimit but the extra launch succeeded")
		return subcommands.ExitFailure
	}

	for _, l := range lingers {
		l.Close()
	}
	return subcommands.ExitSuccess
}
