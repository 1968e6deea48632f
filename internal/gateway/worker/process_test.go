// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package worker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestBuildEnv_StripsUnlistedVarsAndForcesOverrides(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("CLAWGATE_SECRET_SENTINEL", "should-not-appear")

	env := buildEnv("tok-123")

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "CLAWGATE_SECRET_SENTINEL") {
		t.Fatal("buildEnv leaked a non-allow-listed variable")
	}
	if !strings.Contains(joined, "PATH=/usr/bin") {
		t.Fatal("buildEnv dropped an allow-listed variable")
	}
	if !strings.Contains(joined, "CI=1") {
		t.Fatal("buildEnv did not apply forced overrides")
	}
	if !strings.Contains(joined, "CLAWGATE_WORKER_TOKEN=tok-123") {
		t.Fatal("buildEnv did not inject the worker token")
	}
}

func TestSpawn_EchoRoundTrip(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available in this sandbox")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Spawn(ctx, Spec{Name: "cat-echo", Bin: "/bin/cat"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := p.WritePayload("hello\n"); err != nil {
		t.Fatalf("WritePayload() error = %v", err)
	}

	line, ok := p.Lines()
	if !ok {
		t.Fatal("expected one line of output")
	}
	if line != "hello" {
		t.Fatalf("line = %q, want hello", line)
	}

	<-p.Done()
	if p.ExitCode() != 0 {
		t.Fatalf("ExitCode() = %d, want 0", p.ExitCode())
	}
	if p.Alive() {
		t.Fatal("expected process to report not alive after exit")
	}
}

func TestTerminate_OnAlreadyExitedIsNonFatal(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("/bin/true not available in this sandbox")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Spawn(ctx, Spec{Name: "true", Bin: "/bin/true"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	_ = p.WritePayload("")
	<-p.Done()
	p.Terminate() // must not panic
}
