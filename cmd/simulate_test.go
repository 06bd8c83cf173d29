package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smazurov/hwcomposer/internal/scene"
)

const testScene = `
squash_timeout = "1m"

[[device.displays]]
width = 32
height = 32
overlay_planes = 1

[[layers]]
name = "background"
frame = [0, 0, 32, 32]
color = "#102030"

[[layers]]
name = "window"
frame = [4, 4, 16, 16]
color = "#c0c0c0"
`

func writeScene(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.toml")
	if err := os.WriteFile(path, []byte(testScene), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runSimulate(t *testing.T, args ...string) string {
	t.Helper()
	cmd := CreateSimulateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("simulate %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestSimulatePrintsFrames(t *testing.T) {
	out := runSimulate(t, "--scene", writeScene(t), "--frames", "2", "--log-level", "error")

	for _, want := range []string{"frame    1 display 0: 2 layers", "frame    2 display 0", "2 frames: 2 display commits, 0 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "[geometry]") {
		t.Errorf("first frame not marked as a geometry change:\n%s", out)
	}
}

func TestSimulateJSON(t *testing.T) {
	out := runSimulate(t, "--scene", writeScene(t), "--frames", "3", "--json", "--log-level", "error")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	for i, line := range lines {
		var res scene.FrameResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if res.FrameNo != uint64(i+1) || len(res.Displays) != 1 || !res.Displays[0].Committed {
			t.Errorf("line %d = %+v", i, res)
		}
	}
}

func TestSimulateMissingScene(t *testing.T) {
	cmd := CreateSimulateCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--scene", filepath.Join(t.TempDir(), "none.toml")})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for a missing scene")
	}
}
