package monlog

import "testing"

func TestForScopesMonitorField(t *testing.T) {
	Init(Config{})
	l := For("m1")
	if l.entry.Data["monitor"] != "m1" {
		t.Fatalf("got %v, want m1", l.entry.Data["monitor"])
	}
	e := l.WithServer("db1")
	if e.Data["server"] != "db1" || e.Data["monitor"] != "m1" {
		t.Fatalf("got %v", e.Data)
	}
}
