package logsink

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00.000000"},
		{1500 * time.Millisecond, "0:00:01.500000"},
		{90 * time.Minute, "1:30:00.000000"},
	}
	for _, c := range cases {
		if got := formatElapsed(c.d); got != c.want {
			t.Fatalf("formatElapsed(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestWriteAndFlush(t *testing.T) {
	wd, _ := os.Getwd()
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	s := New("R1")
	s.Write("Session", "hello")
	s.Write("Session", "world")
	s.Flush()

	matches, err := filepath.Glob(filepath.Join("SessionLogs", "*", "R1", "*", "Session.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one Session.log, got %v (err=%v)", matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty log content")
	}
}

func TestUpdateSkipsEarlyFlush(t *testing.T) {
	wd, _ := os.Getwd()
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	s := New("R2")
	s.Write("IMU", "data")
	s.Update()

	matches, _ := filepath.Glob(filepath.Join("SessionLogs", "*", "R2", "*", "IMU.log"))
	if len(matches) != 0 {
		t.Fatalf("expected no flush before the interval elapses, got %v", matches)
	}
}
