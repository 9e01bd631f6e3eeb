package netback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/ring"
	"github.com/romshark/netfront-go/xenbus"
)

func TestConfigDefaults(t *testing.T) {
	c := DefaultConfig()
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatalf("ValidateAndSetDefaults: %v", err)
	}
	if c.Session == 0 || c.MAC != DefaultMAC || c.MaxBacklog != DefaultMaxBacklog {
		t.Fatalf("defaults %+v", c)
	}
	bad := Config{MAC: "nope"}
	if err := bad.ValidateAndSetDefaults(); err == nil {
		t.Fatal("bad mac accepted")
	}
}

func TestGroupComplete(t *testing.T) {
	more := ring.Slot{Flags: ring.FlagMoreData}
	end := ring.Slot{}
	extraHead := ring.Slot{Flags: ring.FlagExtraInfo | ring.FlagMoreData}
	extra := ring.ExtraInfo{Type: ring.ExtraTypeGSO}.Slot()
	extraMore := ring.ExtraInfo{Type: ring.ExtraTypeGSO, Flags: ring.ExtraFlagMore}.Slot()

	for _, tt := range []struct {
		name string
		g    []ring.Slot
		want bool
	}{
		{"single", []ring.Slot{end}, true},
		{"open chain", []ring.Slot{more, more}, false},
		{"chain", []ring.Slot{more, more, end}, true},
		{"extra pending", []ring.Slot{extraHead}, false},
		{"extra then data", []ring.Slot{extraHead, extra}, false},
		{"extra chain", []ring.Slot{extraHead, extraMore, extra, end}, true},
		{"extra only", []ring.Slot{{Flags: ring.FlagExtraInfo}, extra}, true},
	} {
		if got := groupComplete(tt.g); got != tt.want {
			t.Errorf("%s: groupComplete = %t, want %t", tt.name, got, tt.want)
		}
	}
}

func TestBackendLifecycle(t *testing.T) {
	store := xenbus.NewStore()
	events := evtchn.NewSwitch(0)
	conf := DefaultConfig()
	conf.Session = 42
	b, err := New(conf, store, grant.NewTable(0), events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Close(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Close before Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := store.ReadState(DefaultBackendDir); st != xenbus.StateInitWait {
		t.Fatalf("state %v after Start", st)
	}
	if s, _ := store.ReadUint(xenbus.Join(DefaultBackendDir, keySession)); s != 42 {
		t.Fatalf("session %d", s)
	}

	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s, _ := store.ReadUint(xenbus.Join(DefaultBackendDir, keySession))
	if s == 42 || s != b.Session() {
		t.Fatalf("session after migrate %d (backend %d)", s, b.Session())
	}

	// A frontend giving up before connecting moves the backend to Closed.
	if err := store.WriteState(DefaultFrontendDir, xenbus.StateClosed); err != nil {
		t.Fatal(err)
	}
	for store.ReadState(DefaultBackendDir) != xenbus.StateClosed {
		select {
		case <-ctx.Done():
			t.Fatal("backend did not close")
		case <-time.After(time.Millisecond):
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := events.InUse(); n != 0 {
		t.Fatalf("%d ports in use", n)
	}
}
