package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/downstairs/pkg/region"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tag constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if err := cfg.Create.Definition(cfg.Region.MetadataBackend).Validate(); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics.port %d collides with server.port", cfg.Metrics.Port)
	}

	return nil
}

// Definition builds a region definition with a fresh UUID from the create
// settings.
func (c CreateConfig) Definition(backend string) region.Definition {
	def := region.NewDefinition(c.BlockSize.Uint64(), c.ExtentSize, c.ExtentCount)
	def.Encrypted = c.Encrypted
	def.MetadataBackend = meta.Kind(backend)
	return def
}
