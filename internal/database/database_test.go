package database

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestInitCreatesDatabaseFile(t *testing.T) {
	prev := DB
	t.Cleanup(func() {
		Close()
		DB = prev
	})
	path := filepath.Join(t.TempDir(), "nested", "nodelink.db")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SetSetting("node_id", "n1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if v, err := GetSetting("node_id"); err != nil || v != "n1" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
}

func TestSettings(t *testing.T) {
	UseInMemoryForTest(t)

	if _, err := GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(missing) error = %v, want ErrNotFound", err)
	}
	if err := SetSetting("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := GetSetting("k"); v != "v2" {
		t.Errorf("GetSetting(k) = %q, want v2", v)
	}
	if err := DeleteSetting("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetSetting("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete error = %v, want ErrNotFound", err)
	}
}

func TestSaveConnectionUpsertsByAddress(t *testing.T) {
	UseInMemoryForTest(t)

	first := &ConnectionRecord{Address: "10.0.0.5:21000", Name: "edge", Definition: "tcp:10.0.0.5:21000"}
	if err := SaveConnection(first); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	second := &ConnectionRecord{Address: "10.0.0.5:21000", Name: "edge-2", Definition: "ws:10.0.0.5:21000", ConnectOnStartup: true}
	if err := SaveConnection(second); err != nil {
		t.Fatalf("SaveConnection again: %v", err)
	}
	if err := SaveConnection(&ConnectionRecord{Address: "10.0.0.6:21000", Name: "core", Definition: "tcp:10.0.0.6:21000"}); err != nil {
		t.Fatal(err)
	}

	recs, err := ListConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Name != "edge-2" || recs[0].Definition != "ws:10.0.0.5:21000" || !recs[0].ConnectOnStartup {
		t.Errorf("updated record = %+v", recs[0])
	}

	if err := DeleteConnection("10.0.0.5:21000"); err != nil {
		t.Fatal(err)
	}
	recs, _ = ListConnections()
	if len(recs) != 1 || recs[0].Name != "core" {
		t.Errorf("after delete = %+v", recs)
	}
}

func TestSSHRecords(t *testing.T) {
	UseInMemoryForTest(t)

	rec := &SSHRecord{ID: "0b8f", Name: "edge", Host: "10.0.0.5", Port: 2222, User: "node", AutoRetry: true}
	if err := SaveSSH(rec); err != nil {
		t.Fatalf("SaveSSH: %v", err)
	}
	rec.KeyFile = "/keys/edge"
	rec.AutoRetry = false
	if err := SaveSSH(rec); err != nil {
		t.Fatalf("SaveSSH update: %v", err)
	}

	got, err := GetSSH("0b8f")
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyFile != "/keys/edge" || got.AutoRetry || got.Port != 2222 {
		t.Errorf("GetSSH = %+v", got)
	}
	if _, err := GetSSH("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSSH(nope) error = %v, want ErrNotFound", err)
	}

	if err := DeleteSSH("0b8f"); err != nil {
		t.Fatal(err)
	}
	if recs, _ := ListSSH(); len(recs) != 0 {
		t.Errorf("ListSSH after delete = %+v", recs)
	}
}

func TestSecrets(t *testing.T) {
	UseInMemoryForTest(t)

	if err := SetSecret("ssh:a", "tok1"); err != nil {
		t.Fatal(err)
	}
	if err := SetSecret("ssh:a", "tok2"); err != nil {
		t.Fatal(err)
	}
	if v, err := GetSecret("ssh:a"); err != nil || v != "tok2" {
		t.Errorf("GetSecret = %q, %v", v, err)
	}
	if err := DeleteSecret("ssh:a"); err != nil {
		t.Fatal(err)
	}
	if err := DeleteSecret("ssh:a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSecret error = %v, want ErrNotFound", err)
	}
}
