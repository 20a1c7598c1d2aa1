package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present before a service
// process starts accepting work.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Settlement.FundLockTTL <= c.Settlement.ConfirmationTimeout {
		return fmt.Errorf("invalid configuration: fund lock TTL (%s) must exceed confirmation timeout (%s)",
			c.Settlement.FundLockTTL, c.Settlement.ConfirmationTimeout)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}
