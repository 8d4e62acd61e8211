package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/edgecmd/edgecmd/topic"
)

func TestCleanPath(t *testing.T) {
	for _, test := range []struct {
		in  string
		out string
		ok  bool
	}{
		{"sensor1/config_snapshot/config1", "sensor1/config_snapshot/config1", true},
		{"a/./b//c", "a/b/c", true},
		{"a/b/../c", "a/c", true},
		{"a/../../etc/passwd", "", false},
		{"../etc/passwd", "", false},
		{"..", "", false},
		{".", "", false},
		{"", "", false},
		{"/etc/passwd", "", false},
		{"C:/windows", "", false},
		{`a\..\..\b`, "", false},
		{"a\x00b", "", false},
	} {
		have, err := CleanPath(test.in)
		if test.ok != (err == nil) {
			t.Errorf("%q: unexpected error: %v", test.in, err)
			continue
		}
		if err != nil && !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("%q: expected ErrPermissionDenied, have: %v", test.in, err)
		}
		if have != test.out {
			t.Errorf("%q: have: %q, want: %q", test.in, have, test.out)
		}
	}
}

func TestArtifactPath(t *testing.T) {
	if have, want := ArtifactPath(topic.NewDevice("sensor1"), "config_snapshot", "config1"), "sensor1/config_snapshot/config1"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if have, want := ArtifactPath(topic.NewService("main", "agent"), "log_upload", "x"), "main_service_agent/log_upload/x"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
}

func TestFullError(t *testing.T) {
	err := fmt.Errorf("i/o copy: %s", "write /x: no space left on device")
	if !errors.Is(FullError(err), ErrStorageFull) {
		t.Error("expected ErrStorageFull")
	}
	if FullError(nil) != nil {
		t.Error("expected nil")
	}
}
