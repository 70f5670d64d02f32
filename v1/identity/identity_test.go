package identity

import (
	"context"
	"os"
	"testing"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("DOCSYNC_USERNAME", "ada")
	t.Setenv("DOCSYNC_ROLE", "admin")
	t.Setenv("DOCSYNC_DEVICE", "laptop")
	o, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if o != (Owner{Username: "ada", Role: "admin", Device: "laptop"}) {
		t.Fatalf("unexpected owner %+v", o)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"DOCSYNC_USERNAME", "DOCSYNC_ROLE", "DOCSYNC_DEVICE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	o, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if o.Username != "anonymous" || o.Role != "editor" {
		t.Fatalf("defaults not applied: %+v", o)
	}
}

func TestStaticProvider(t *testing.T) {
	p := Static{Username: "bob"}
	o, err := p.Owner(context.Background())
	if err != nil || o.Username != "bob" {
		t.Fatalf("unexpected %+v %v", o, err)
	}
	if o.IsZero() || !(Owner{}).IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
