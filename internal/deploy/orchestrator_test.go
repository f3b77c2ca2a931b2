package deploy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/manifest"
	"github.com/chatmrpt/convoy/internal/sshtest"
)

// fakeTarget is one deployment target backed by an in-process SSH server
// and an HTTP health endpoint.
type fakeTarget struct {
	target     inventory.Target
	remoteRoot string
	execCount  *atomic.Int32
	healthHits *atomic.Int32
}

// restartOK is the command output of a three-step restart sequence where
// every step succeeds.
func restartOK() string {
	return ":::convoy:step:0:begin\n" +
		":::convoy:step:0:exit:0\n" +
		":::convoy:step:1:begin\n" +
		":::convoy:step:1:exit:0\n" +
		":::convoy:step:2:begin\n" +
		"active\n" +
		":::convoy:step:2:exit:0\n"
}

// restartBroken is the output of a sequence whose restart step exits 1,
// skipping the status step.
func restartBroken() string {
	return ":::convoy:step:0:begin\n" +
		":::convoy:step:0:exit:0\n" +
		":::convoy:step:1:begin\n" +
		":::convoy:step:1:exit:1\n"
}

func startTarget(t *testing.T, name, restartOut string, restartExit, healthStatus int) *fakeTarget {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")

	pub, keyPath := sshtest.GenerateKey(t)

	var execs atomic.Int32
	handler := func(cmd string) (string, string, int) {
		execs.Add(1)
		if restartExit != 0 {
			return restartOut, "Job for chatmrpt.service failed.\n", restartExit
		}
		return restartOut, "", 0
	}

	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pub),
		sshtest.WithSFTP(),
		sshtest.WithCmdHandler(handler),
	)
	t.Cleanup(cleanup)
	host, port := sshtest.ParseAddr(t, addr)

	var hits atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(healthStatus)
	}))
	t.Cleanup(hs.Close)

	root := t.TempDir()
	return &fakeTarget{
		target: inventory.Target{
			Name:         name,
			Address:      host,
			Port:         port,
			IdentityFile: keyPath,
			RemoteRoot:   root,
			HealthURL:    hs.URL + "/ping",
		},
		remoteRoot: root,
		execCount:  &execs,
		healthHits: &hits,
	}
}

func buildFleet(targets ...inventory.Target) *inventory.Fleet {
	return &inventory.Fleet{
		Environment:     "staging",
		Service:         "chatmrpt",
		Concurrency:     2,
		CommandTimeout:  10 * time.Second,
		TransferTimeout: 10 * time.Second,
		Health: inventory.HealthConfig{
			Attempts:     3,
			InitialDelay: inventory.Duration{Duration: 5 * time.Millisecond},
			MaxDelay:     inventory.Duration{Duration: 20 * time.Millisecond},
		},
		Targets: targets,
	}
}

type manifestFile struct {
	rel     string
	content string
}

func buildManifest(t *testing.T, files []manifestFile) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	m := &manifest.Manifest{Path: "deploy.manifest"}
	for _, f := range files {
		local := filepath.Join(dir, filepath.Base(f.rel))
		if err := os.WriteFile(local, []byte(f.content), 0644); err != nil {
			t.Fatalf("write local file: %v", err)
		}
		m.Entries = append(m.Entries, manifest.Entry{
			LocalPath: local,
			RemoteRel: f.rel,
			Size:      int64(len(f.content)),
		})
	}
	return m
}

func TestRunAllHealthy(t *testing.T) {
	ft1 := startTarget(t, "web-1", restartOK(), 0, http.StatusOK)
	ft2 := startTarget(t, "web-2", restartOK(), 0, http.StatusOK)

	fleet := buildFleet(ft1.target, ft2.target)
	man := buildManifest(t, []manifestFile{
		{"app.py", "print('hello')\n"},
		{"conf/settings.yaml", "debug: false\n"},
	})

	var mu sync.Mutex
	var events []deploy.Event
	orch := deploy.New(fleet, man, deploy.Options{
		Insecure: true,
		OnEvent: func(ev deploy.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	rep := orch.Run(context.Background())

	if !rep.Success() {
		t.Fatalf("expected success, failed targets: %+v", rep.FailedTargets())
	}
	if rep.ExitCode() != deploy.ExitSuccess {
		t.Errorf("ExitCode() = %d, want %d", rep.ExitCode(), deploy.ExitSuccess)
	}
	if rep.RunID != orch.RunID() || rep.RunID == "" {
		t.Errorf("RunID = %q", rep.RunID)
	}
	if len(rep.Targets) != 2 {
		t.Fatalf("expected 2 target summaries, got %d", len(rep.Targets))
	}

	for _, ts := range rep.Targets {
		if ts.Stage != deploy.StageHealthy {
			t.Errorf("%s: Stage = %s, want %s", ts.Name, ts.Stage, deploy.StageHealthy)
		}
		if len(ts.Transfers) != 2 {
			t.Errorf("%s: expected 2 transfers, got %d", ts.Name, len(ts.Transfers))
		}
		for _, tr := range ts.Transfers {
			if tr.Checksum == "" || tr.Error != "" {
				t.Errorf("%s: bad transfer summary %+v", ts.Name, tr)
			}
		}
		if ts.Restart == nil || ts.Restart.ExitCode != 0 {
			t.Errorf("%s: bad restart summary %+v", ts.Name, ts.Restart)
		}
		if ts.Health == nil || !ts.Health.Healthy || ts.Health.StatusCode != http.StatusOK {
			t.Errorf("%s: bad health summary %+v", ts.Name, ts.Health)
		}
	}

	for _, ft := range []*fakeTarget{ft1, ft2} {
		data, err := os.ReadFile(filepath.Join(ft.remoteRoot, "app.py"))
		if err != nil {
			t.Fatalf("%s: app.py not deployed: %v", ft.target.Name, err)
		}
		if string(data) != "print('hello')\n" {
			t.Errorf("%s: app.py content = %q", ft.target.Name, data)
		}
		if _, err := os.Stat(filepath.Join(ft.remoteRoot, "conf", "settings.yaml")); err != nil {
			t.Errorf("%s: nested file not deployed: %v", ft.target.Name, err)
		}
		if ft.execCount.Load() == 0 {
			t.Errorf("%s: restart sequence never ran", ft.target.Name)
		}
		if ft.healthHits.Load() == 0 {
			t.Errorf("%s: health endpoint never probed", ft.target.Name)
		}
	}

	perTarget := map[string][]deploy.Stage{}
	for _, ev := range events {
		perTarget[ev.Target] = append(perTarget[ev.Target], ev.Stage)
	}
	for name, stages := range perTarget {
		if len(stages) == 0 || stages[len(stages)-1] != deploy.StageHealthy {
			t.Errorf("%s: stage events = %v", name, stages)
			continue
		}
		prev := deploy.StagePending
		for _, s := range stages {
			if !prev.CanTransition(s) {
				t.Errorf("%s: illegal stage event %s -> %s", name, prev, s)
			}
			prev = s
		}
	}
}

func TestRunTransferFailure(t *testing.T) {
	ft := startTarget(t, "web-1", restartOK(), 0, http.StatusOK)

	fleet := buildFleet(ft.target)
	man := &manifest.Manifest{
		Path:    "deploy.manifest",
		Entries: []manifest.Entry{{LocalPath: "/nonexistent/app.py", RemoteRel: "app.py"}},
	}

	rep := deploy.New(fleet, man, deploy.Options{Insecure: true}).Run(context.Background())

	if rep.ExitCode() != deploy.ExitTransfer {
		t.Errorf("ExitCode() = %d, want %d", rep.ExitCode(), deploy.ExitTransfer)
	}
	ts := rep.Targets[0]
	if ts.Stage != deploy.StageTransferFailed {
		t.Errorf("Stage = %s, want %s", ts.Stage, deploy.StageTransferFailed)
	}
	if !strings.Contains(ts.Error, "transfer to web-1 failed") {
		t.Errorf("Error = %q", ts.Error)
	}
	if ft.execCount.Load() != 0 {
		t.Error("restart must not run after a failed transfer")
	}
	if ft.healthHits.Load() != 0 {
		t.Error("health must not be probed after a failed transfer")
	}
}

func TestRunRestartFailure(t *testing.T) {
	ft := startTarget(t, "web-1", restartBroken(), 1, http.StatusOK)

	fleet := buildFleet(ft.target)
	man := buildManifest(t, []manifestFile{{"app.py", "x = 1\n"}})

	rep := deploy.New(fleet, man, deploy.Options{Insecure: true}).Run(context.Background())

	if rep.ExitCode() != deploy.ExitRestart {
		t.Errorf("ExitCode() = %d, want %d", rep.ExitCode(), deploy.ExitRestart)
	}
	ts := rep.Targets[0]
	if ts.Stage != deploy.StageRestartFailed {
		t.Errorf("Stage = %s, want %s", ts.Stage, deploy.StageRestartFailed)
	}
	if ts.Restart == nil || ts.Restart.FailedStep != "restart" || ts.Restart.ExitCode != 1 {
		t.Errorf("restart summary = %+v", ts.Restart)
	}
	if !strings.Contains(ts.Error, "failed at restart") {
		t.Errorf("Error = %q", ts.Error)
	}
	if !strings.Contains(ts.Restart.StderrTail, "chatmrpt.service failed") {
		t.Errorf("StderrTail = %q", ts.Restart.StderrTail)
	}
	if ft.healthHits.Load() != 0 {
		t.Error("health must not be probed after a failed restart")
	}
}

func TestRunUnhealthy(t *testing.T) {
	ft := startTarget(t, "web-1", restartOK(), 0, http.StatusServiceUnavailable)

	fleet := buildFleet(ft.target)
	man := buildManifest(t, []manifestFile{{"app.py", "x = 1\n"}})

	rep := deploy.New(fleet, man, deploy.Options{Insecure: true}).Run(context.Background())

	if rep.ExitCode() != deploy.ExitHealth {
		t.Errorf("ExitCode() = %d, want %d", rep.ExitCode(), deploy.ExitHealth)
	}
	ts := rep.Targets[0]
	if ts.Stage != deploy.StageUnhealthy {
		t.Errorf("Stage = %s, want %s", ts.Stage, deploy.StageUnhealthy)
	}
	if ts.Health == nil || ts.Health.Healthy || ts.Health.Attempts != 3 {
		t.Errorf("health summary = %+v", ts.Health)
	}
	if !strings.Contains(ts.Error, "did not become healthy") {
		t.Errorf("Error = %q", ts.Error)
	}
	if got := ft.healthHits.Load(); got != 3 {
		t.Errorf("health endpoint probed %d times, want 3", got)
	}
}

func TestRunAggregateUnhealthy(t *testing.T) {
	ft := startTarget(t, "web-1", restartOK(), 0, http.StatusOK)

	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(agg.Close)

	fleet := buildFleet(ft.target)
	fleet.AggregateURL = agg.URL + "/ping"
	man := buildManifest(t, []manifestFile{{"app.py", "x = 1\n"}})

	rep := deploy.New(fleet, man, deploy.Options{Insecure: true}).Run(context.Background())

	if rep.Targets[0].Stage != deploy.StageHealthy {
		t.Errorf("target stage = %s, want %s", rep.Targets[0].Stage, deploy.StageHealthy)
	}
	if rep.Success() {
		t.Error("run must fail when the aggregate endpoint is unhealthy")
	}
	if rep.ExitCode() != deploy.ExitHealth {
		t.Errorf("ExitCode() = %d, want %d", rep.ExitCode(), deploy.ExitHealth)
	}
	if rep.Aggregate == nil || rep.Aggregate.Healthy || rep.Aggregate.Attempts != 3 {
		t.Errorf("aggregate summary = %+v", rep.Aggregate)
	}
}
