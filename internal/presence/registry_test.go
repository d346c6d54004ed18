package presence

import (
	"testing"

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

func TestBindAndLookup(t *testing.T) {
	r := NewRegistry()

	displaced := r.Bind("conn-1", models.CallIdentity{UserID: "u-1", UserName: "Ann", UserType: models.UserTypeDoctor})
	if displaced != "" {
		t.Fatalf("first bind displaced %q", displaced)
	}

	entry, ok := r.Lookup("u-1")
	if !ok || entry.ConnID != "conn-1" {
		t.Fatalf("Lookup = %+v, %v", entry, ok)
	}
	entry, ok = r.Get("conn-1")
	if !ok || entry.Identity.UserName != "Ann" {
		t.Fatalf("Get = %+v, %v", entry, ok)
	}
}

func TestReconnectDisplacesOldConnection(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1"})
	r.SetBusy("conn-1", true)

	displaced := r.Bind("conn-2", models.CallIdentity{UserID: "u-1"})
	if displaced != "conn-1" {
		t.Fatalf("displaced = %q, want conn-1", displaced)
	}

	if _, ok := r.Get("conn-1"); ok {
		t.Fatal("old connection must be gone")
	}
	if entry, _ := r.Lookup("u-1"); entry.ConnID != "conn-2" {
		t.Fatalf("Lookup resolves to %q, want conn-2", entry.ConnID)
	}
	// The busy flag belongs to the dead connection, not the user.
	if r.IsBusy("conn-2") {
		t.Fatal("fresh connection must not inherit busy state")
	}
}

func TestUnbind(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1"})

	entry, ok := r.Unbind("conn-1")
	if !ok || entry.Identity.UserID != "u-1" {
		t.Fatalf("Unbind = %+v, %v", entry, ok)
	}
	if _, ok := r.Lookup("u-1"); ok {
		t.Fatal("user must be offline after unbind")
	}
	if _, ok := r.Unbind("conn-1"); ok {
		t.Fatal("second unbind must report missing")
	}
}

func TestUnbindStaleConnectionKeepsNewBinding(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1"})
	r.Bind("conn-2", models.CallIdentity{UserID: "u-1"})

	// The displaced socket's disconnect arrives after the reconnect. It must
	// not knock the fresh binding offline.
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1"})
	r.Unbind("conn-2")

	if entry, ok := r.Lookup("u-1"); !ok || entry.ConnID != "conn-1" {
		t.Fatalf("Lookup = %+v, %v, want conn-1 online", entry, ok)
	}
}

func TestBusyFlag(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1"})

	r.SetBusy("conn-1", true)
	if !r.IsBusy("conn-1") {
		t.Fatal("expected busy")
	}
	r.SetBusy("conn-1", false)
	if r.IsBusy("conn-1") {
		t.Fatal("expected not busy")
	}
	// Unknown connections are silently ignored.
	r.SetBusy("ghost", true)
	if r.IsBusy("ghost") {
		t.Fatal("unbound connection cannot be busy")
	}
}

func TestOnlineSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", models.CallIdentity{UserID: "u-1", UserType: models.UserTypeDoctor})
	r.Bind("conn-2", models.CallIdentity{UserID: "u-2", UserType: models.UserTypePatient})
	r.Unbind("conn-1")

	online := r.Online()
	if len(online) != 1 || online[0].UserID != "u-2" {
		t.Fatalf("online = %+v", online)
	}
}
