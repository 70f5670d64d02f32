// Package identity describes who is holding locks and writing documents.
package identity

import (
	"context"
	"os"

	"github.com/caarlos0/env/v11"
)

// Owner identifies a client for lock ownership and payload attribution.
type Owner struct {
	Username string `json:"username" env:"USERNAME" envDefault:"anonymous"`
	Role     string `json:"role" env:"ROLE" envDefault:"editor"`
	Device   string `json:"device" env:"DEVICE"`
}

// IsZero reports whether no field is set.
func (o Owner) IsZero() bool {
	return o.Username == "" && o.Role == "" && o.Device == ""
}

// Provider supplies the current owner.
type Provider interface {
	Owner(ctx context.Context) (Owner, error)
}

// Static is a Provider that always returns the same owner.
type Static Owner

// Owner implements Provider.
func (s Static) Owner(context.Context) (Owner, error) {
	return Owner(s), nil
}

// FromEnv reads the owner from DOCSYNC_USERNAME, DOCSYNC_ROLE and
// DOCSYNC_DEVICE. The device defaults to the host name.
func FromEnv() (Owner, error) {
	var o Owner
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "DOCSYNC_"}); err != nil {
		return Owner{}, err
	}
	if o.Device == "" {
		if h, err := os.Hostname(); err == nil {
			o.Device = h
		}
	}
	return o, nil
}
