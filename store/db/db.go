// Package db provides the store driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/store"
	"github.com/lumichat/agentd/store/db/postgres"
)

// NewDBDriver creates the store driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "", "postgres":
		driver, err := postgres.NewDB(profile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres")
		}
		return driver, nil
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
