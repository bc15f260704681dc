package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nugget/blescanner/internal/distance"
)

func testEntries() []Entry {
	return []Entry{
		{ID: "A1", Name: "Phone"},
		{ID: "b2", Name: "Keys", Type: "tag"},
	}
}

func TestLookup(t *testing.T) {
	r := New(30, testEntries())

	d, ok := r.Lookup("a1")
	if !ok {
		t.Fatal("Lookup(a1) not found")
	}
	if d.Name != "Phone" {
		t.Errorf("Name = %q, want %q", d.Name, "Phone")
	}

	if _, ok := r.Lookup("A1"); !ok {
		t.Error("Lookup should be case-insensitive")
	}
	if _, ok := r.Lookup("zz"); ok {
		t.Error("Lookup(zz) found, want not found")
	}
	if _, ok := r.Lookup(""); ok {
		t.Error("Lookup(\"\") found, want not found")
	}
}

func TestReload_ReplacesWholesale(t *testing.T) {
	r := New(30, testEntries())

	d, _ := r.Lookup("a1")
	d.Observe(1.5, time.Now())

	r.Reload([]Entry{{ID: "a1", Name: "New Phone"}})

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Lookup("b2"); ok {
		t.Error("b2 should be gone after reload")
	}
	nd, ok := r.Lookup("a1")
	if !ok {
		t.Fatal("a1 missing after reload")
	}
	if nd.Name != "New Phone" {
		t.Errorf("Name = %q, want %q", nd.Name, "New Phone")
	}
	if nd.Smoothed() != distance.NoData {
		t.Errorf("history carried over: Smoothed() = %v", nd.Smoothed())
	}
}

func TestReload_ConcurrentLookupsSeeWholeLists(t *testing.T) {
	oldList := []Entry{{ID: "a", Name: "old-a"}, {ID: "b", Name: "old-b"}}
	newList := []Entry{{ID: "a", Name: "new-a"}, {ID: "b", Name: "new-b"}}
	r := New(5, oldList)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				r.Reload(newList)
			} else {
				r.Reload(oldList)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := r.Snapshot()
		if len(snap) != 2 {
			t.Fatalf("snapshot length = %d, want 2", len(snap))
		}
		if snap[0].Name[:3] != snap[1].Name[:3] {
			t.Fatalf("mixed snapshot: %q and %q", snap[0].Name, snap[1].Name)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSnapshot(t *testing.T) {
	r := New(30, testEntries())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d, _ := r.Lookup("b2")
	d.Observe(2, at)

	want := []DeviceStatus{
		{ID: "a1", Name: "Phone", Distance: distance.NoData},
		{ID: "b2", Name: "Keys", Type: "tag", Distance: 2, Samples: 1, LastSeen: at},
	}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr bool
	}{
		{"valid", []Entry{{ID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Name: "Phone"}}, false},
		{"empty list", nil, false},
		{"bad uuid", []Entry{{ID: "not-a-uuid", Name: "Phone"}}, true},
		{"missing name", []Entry{{ID: "e2c56db5-dffb-48d2-b060-d0f5a71096e0", Name: " "}}, true},
		{"duplicate", []Entry{
			{ID: "e2c56db5-dffb-48d2-b060-d0f5a71096e0", Name: "A"},
			{ID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Name: "B"},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Canonicalizes(t *testing.T) {
	entries := []Entry{{ID: " E2C56DB5-DFFB-48D2-B060-D0F5A71096E0 ", Name: " Phone "}}
	if err := Validate(entries); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if entries[0].ID != "e2c56db5-dffb-48d2-b060-d0f5a71096e0" || entries[0].Name != "Phone" {
		t.Errorf("entry = %+v, want canonical id and trimmed name", entries[0])
	}
}
