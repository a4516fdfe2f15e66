package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestArchiveFilename(t *testing.T) {
	tests := []struct {
		name   string
		vmName string
		want   string
	}{
		{name: "plain", vmName: "Ubuntu", want: "Ubuntu_2026-01-02_030405.zip"},
		{name: "spaces kept", vmName: "Windows 11", want: "Windows 11_2026-01-02_030405.zip"},
		{name: "illegal characters", vmName: `a/b\c:d*e?f"g<h>i|j`, want: "a_b_c_d_e_f_g_h_i_j_2026-01-02_030405.zip"},
		{name: "control characters", vmName: "tab\there", want: "tab_here_2026-01-02_030405.zip"},
		{name: "trimmed dots and spaces", vmName: " .hidden. ", want: "hidden_2026-01-02_030405.zip"},
		{name: "empty falls back", vmName: "", want: "VirtualMachine_2026-01-02_030405.zip"},
		{name: "dots only fall back", vmName: "...", want: "VirtualMachine_2026-01-02_030405.zip"},
	}

	ts := RunTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ArchiveFilename(tt.vmName, ts); got != tt.want {
				t.Errorf("ArchiveFilename(%q) = %q, want %q", tt.vmName, got, tt.want)
			}
		})
	}
}

func TestJobID(t *testing.T) {
	runID := uuid.New()
	at := time.Now()

	a := JobID(runID, "vm-1", at)
	b := JobID(runID, "vm-2", at)
	if a == b {
		t.Errorf("job ids for different targets collide: %q", a)
	}
	if !strings.HasPrefix(a, runID.String()) {
		t.Errorf("job id %q does not start with run id", a)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web_ts.zip")

	if got := uniquePath(path); got != path {
		t.Errorf("uniquePath() = %q, want %q", got, path)
	}

	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "web_ts-2.zip")
	if got := uniquePath(path); got != want {
		t.Errorf("uniquePath() = %q, want %q", got, want)
	}

	if err := os.WriteFile(want, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if got := uniquePath(path); got != filepath.Join(dir, "web_ts-3.zip") {
		t.Errorf("uniquePath() = %q, want -3 suffix", got)
	}
}

func TestCheckArchiveNames(t *testing.T) {
	vm := func(name string) VirtualMachine { return VirtualMachine{ID: name, Name: name} }

	tests := []struct {
		name    string
		targets []VirtualMachine
		known   []VirtualMachine
		wantErr bool
	}{
		{name: "distinct names", targets: []VirtualMachine{vm("web"), vm("db")}, known: []VirtualMachine{vm("web"), vm("db"), vm("a/b")}},
		{name: "same vm twice", targets: []VirtualMachine{vm("web")}, known: []VirtualMachine{vm("web"), vm("web")}},
		{name: "conflict with inventory", targets: []VirtualMachine{vm("a/b")}, known: []VirtualMachine{vm("a:b"), vm("a/b")}, wantErr: true},
		{name: "conflict within targets", targets: []VirtualMachine{vm("a/b"), vm("a:b")}, wantErr: true},
		{name: "fallback names conflict", targets: []VirtualMachine{vm("...")}, known: []VirtualMachine{vm("")}, wantErr: true},
		{name: "unrelated conflict is ignored", targets: []VirtualMachine{vm("web")}, known: []VirtualMachine{vm("a/b"), vm("a:b"), vm("web")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckArchiveNames(tt.targets, tt.known)
			if tt.wantErr {
				if !errors.Is(err, ErrArchiveNameConflict) {
					t.Fatalf("CheckArchiveNames() error = %v, want ErrArchiveNameConflict", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckArchiveNames() error = %v", err)
			}
		})
	}
}
