package agent

import (
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"iflow", []string{"iflow"}},
		{"  iflow   --debug ", []string{"iflow", "--debug"}},
		{`node "/opt/my tools/iflow.js"`, []string{"node", "/opt/my tools/iflow.js"}},
		{`sh -c 'echo "hi"'`, []string{"sh", "-c", `echo "hi"`}},
		{`/opt/my\ tools/iflow --flag`, []string{"/opt/my tools/iflow", "--flag"}},
		{`iflow "say \"hi\""`, []string{"iflow", `say "hi"`}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := splitCommand(tt.in)
			if err != nil {
				t.Fatalf("splitCommand(%q) failed: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitCommand_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", `iflow "unterminated`} {
		if _, err := splitCommand(in); err == nil {
			t.Errorf("splitCommand(%q) should fail", in)
		}
	}
}

func TestStartProcess_CapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	p, err := StartProcess(ProcessOptions{
		Command:  `sh -c "echo started; echo oops >&2"`,
		Dir:      t.TempDir(),
		TailSize: 1024,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	tail := p.Tail()
	if !strings.Contains(tail, "started") || !strings.Contains(tail, "oops") {
		t.Errorf("expected stdout and stderr in tail, got %q", tail)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("stop after exit should be a no-op, got %v", err)
	}
}

func TestProcess_StopIsIdempotent(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	p, err := StartProcess(ProcessOptions{Command: "sleep 30"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if err := p.Stop(2 * time.Second); err != nil {
		t.Errorf("unexpected stop error: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Error("expected process to have exited")
	}
	if err := p.Stop(2 * time.Second); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestStartProcess_EmptyCommand(t *testing.T) {
	if _, err := StartProcess(ProcessOptions{Command: "   "}, zerolog.Nop()); err == nil {
		t.Error("expected error for empty command")
	}
}
