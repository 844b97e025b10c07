package svc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeRunner records invocations and replays scripted responses keyed by
// the joined command line.
type fakeRunner struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if resp, ok := f.responses[cmd]; ok {
		return resp.out, resp.err
	}
	return "", nil
}

func testSupervisor(run Runner) *Supervisor {
	return NewSupervisor(run, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnableOnBoot(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{}
	s := testSupervisor(run)

	if err := s.EnableOnBoot(context.Background(), "openvpn-server@gateway"); err != nil {
		t.Fatalf("EnableOnBoot() error: %v", err)
	}
	if len(run.calls) != 1 || run.calls[0] != "systemctl enable openvpn-server@gateway" {
		t.Errorf("calls = %v", run.calls)
	}
}

func TestDisable(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{}
	s := testSupervisor(run)

	if err := s.Disable(context.Background(), "openvpn-server@gateway"); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}
	if len(run.calls) != 1 || run.calls[0] != "systemctl disable openvpn-server@gateway" {
		t.Errorf("calls = %v", run.calls)
	}
}

func TestReloadUnits(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{}
	s := testSupervisor(run)

	if err := s.ReloadUnits(context.Background()); err != nil {
		t.Fatalf("ReloadUnits() error: %v", err)
	}
	if len(run.calls) != 1 || run.calls[0] != "systemctl daemon-reload" {
		t.Errorf("calls = %v", run.calls)
	}
}

func TestStart_failureIncludesStatusDetail(t *testing.T) {
	t.Parallel()

	unit := "openvpn-server@gateway"
	run := &fakeRunner{responses: map[string]fakeResponse{
		"systemctl start " + unit: {
			err: errors.New("exit status 1"),
		},
		"systemctl status --no-pager -n 20 " + unit: {
			out: "gateway.conf: cannot read certificate file /etc/bridgegate/pki/issued/gateway.crt",
		},
	}}
	s := testSupervisor(run)

	err := s.Start(context.Background(), unit)
	if err == nil {
		t.Fatal("Start() should fail when systemctl start fails")
	}
	if !strings.Contains(err.Error(), "cannot read certificate file") {
		t.Errorf("error should carry the unit's status detail, got: %v", err)
	}
}

func TestStart_success(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{}
	s := testSupervisor(run)
	if err := s.Start(context.Background(), "openvpn-server@gateway"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	// No status call on the happy path.
	if len(run.calls) != 1 {
		t.Errorf("calls = %v, want just the start", run.calls)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		output string
		err    error
		want   State
	}{
		{"active\n", nil, Running},
		{"activating\n", errors.New("exit status 3"), Starting},
		{"inactive\n", errors.New("exit status 3"), Stopped},
		{"failed\n", errors.New("exit status 3"), Failed},
	}
	for _, tc := range cases {
		t.Run(strings.TrimSpace(tc.output), func(t *testing.T) {
			t.Parallel()
			run := &fakeRunner{responses: map[string]fakeResponse{
				"systemctl is-active u.service": {out: tc.output, err: tc.err},
			}}
			got, err := testSupervisor(run).Status(context.Background(), "u.service")
			if err != nil {
				t.Fatalf("Status() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Status() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStatus_unknownState(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{responses: map[string]fakeResponse{
		"systemctl is-active u.service": {out: "flummoxed\n"},
	}}
	if _, err := testSupervisor(run).Status(context.Background(), "u.service"); err == nil {
		t.Fatal("Status() should reject an unrecognized state word")
	}
}

func TestStatus_runnerError(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{responses: map[string]fakeResponse{
		"systemctl is-active u.service": {err: fmt.Errorf("systemd not running")},
	}}
	if _, err := testSupervisor(run).Status(context.Background(), "u.service"); err == nil {
		t.Fatal("Status() should propagate runner errors for unparseable output")
	}
}

// slowRunner blocks until its context is cancelled.
type slowRunner struct{}

func (slowRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestControl_boundedWait(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(slowRunner{}, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() {
		done <- s.Start(context.Background(), "u.service")
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Start() against a hung systemctl should fail")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("want deadline error, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not respect its timeout")
	}
}
