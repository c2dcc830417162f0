package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"defi-portal/go-client/internal/testutil/fsperm"
)

type snapshot struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

func TestFileSaveLoadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.enc")
	f := NewFile(" "+path+" ", " secret ").WithScope("sessions").WithKDF(fastKDF)
	if !f.Configured() {
		t.Fatal("file should be configured")
	}
	if err := f.Save(snapshot{Token: "abc", Count: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	var got snapshot
	if err := f.Load(&got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != "abc" || got.Count != 2 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if err := f.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.Load(&got); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist after remove, got %v", err)
	}
	if err := f.Remove(); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestFileRequiresConfiguration(t *testing.T) {
	var f File
	if err := f.Save(snapshot{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := f.Load(&snapshot{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestFileLoadWithWrongSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.enc")
	if err := NewFile(path, "right").WithKDF(fastKDF).Save(snapshot{Token: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := NewFile(path, "wrong").Load(&snapshot{}); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestFileFromAnotherScopeDoesNotLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.enc")
	if err := NewFile(path, "secret").WithScope("wallet-cache").WithKDF(fastKDF).Save(snapshot{Token: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := NewFile(path, "secret").WithScope("sessions").Load(&snapshot{}); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
}
