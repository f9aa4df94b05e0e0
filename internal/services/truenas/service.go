package truenas

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/rs/zerolog"
)

// DefaultTargetName is used when the config names no target.
const DefaultTargetName = "san_dpool"

// ErrInvalidRPM is returned for an extent RPM outside models.ValidRPMs.
var ErrInvalidRPM = errors.New("invalid RPM value")

// ValidateRPM checks rpm against the values the API accepts.
func ValidateRPM(rpm string) error {
	if !slices.Contains(models.ValidRPMs, rpm) {
		return fmt.Errorf("%w %q (valid values: SSD, 5400, 7200, 10000, 15000)", ErrInvalidRPM, rpm)
	}
	return nil
}

// ExtentPrompt completes an extent spec whose RPM is not configured.
type ExtentPrompt func(ctx context.Context, spec models.ExtentSpec) (models.ExtentSpec, error)

// Service provisions an iSCSI target with its extents.
type Service struct {
	api    ISCSIClient
	logger zerolog.Logger
}

// New creates a provisioning service.
func New(logger zerolog.Logger, api ISCSIClient) *Service {
	return &Service{api: api, logger: logger}
}

// Provision creates every extent, then the target, then associates each extent at
// its LUN ID. Any extent or target failure aborts before later steps; association
// failures are logged and skipped.
func (s *Service) Provision(ctx context.Context, cfg models.TrueNASConfig, complete ExtentPrompt) (*models.ISCSIProvisionResult, error) {
	result := &models.ISCSIProvisionResult{}
	if len(cfg.Extents) == 0 {
		return result, errors.New("no extents configured")
	}

	specs := make([]models.ExtentSpec, 0, len(cfg.Extents))
	for _, spec := range cfg.Extents {
		if spec.RPM == "" && complete != nil {
			var err error
			if spec, err = complete(ctx, spec); err != nil {
				return result, err
			}
		}
		if err := ValidateRPM(spec.RPM); err != nil {
			return result, fmt.Errorf("extent %s: %w", spec.Name, err)
		}
		specs = append(specs, spec)
	}

	for _, spec := range specs {
		extent, err := s.api.CreateExtent(ctx, spec)
		if err != nil {
			result.Error = fmt.Errorf("failed to create extent %s: %w", spec.Name, err)
			return result, result.Error
		}
		s.logger.Info().Str("extent", extent.Name).Int("id", extent.ID).Msg("extent created")
		result.Extents = append(result.Extents, *extent)
	}

	name := cfg.TargetName
	if name == "" {
		name = DefaultTargetName
	}
	target, err := s.api.CreateTarget(ctx, name)
	if err != nil {
		result.Error = fmt.Errorf("failed to create target %s: %w", name, err)
		return result, result.Error
	}
	result.Target = target
	s.logger.Info().Str("target", target.Name).Int("id", target.ID).Msg("target created")

	for i, extent := range result.Extents {
		lun := specs[i].LunID
		if err := s.api.AssociateExtent(ctx, target.ID, extent.ID, lun); err != nil {
			s.logger.Error().Err(err).Int("extent_id", extent.ID).Int("lun", lun).Msg("failed to associate extent")
			continue
		}
		result.Associations++
		s.logger.Info().
			Int("extent_id", extent.ID).
			Int("target_id", target.ID).
			Int("lun", lun).
			Msg("extent associated")
	}

	return result, nil
}
