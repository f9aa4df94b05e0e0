// Package zfs provisions ZFS volumes backing iSCSI extents.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// DefaultPoolProperties are applied when the config names none.
var DefaultPoolProperties = map[string]string{
	"compression": "lz4",
	"atime":       "off",
	"dedup":       "off",
	"sync":        "always",
}

// ErrInvalidSize is returned for sizes zfs would not accept.
var ErrInvalidSize = errors.New("invalid volume size")

var sizePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[KMGTPkmgtp]?$`)

// ValidateSize checks a volume size such as "500M" or "1.5T".
func ValidateSize(size string) error {
	if !sizePattern.MatchString(size) {
		return fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	return nil
}

// VolumeProvisioner runs the zfs commands needed to provision zvols.
type VolumeProvisioner interface {
	SetProperty(ctx context.Context, dataset, key, value string) error
	CreateVolume(ctx context.Context, dataset, size, blockSize string) error
	Properties(ctx context.Context, dataset string) (string, error)
}

// CLI implements VolumeProvisioner with the zfs binary.
type CLI struct {
	exec executor.Executor
}

var _ VolumeProvisioner = (*CLI)(nil)

// NewCLI creates a zfs command wrapper.
func NewCLI(exec executor.Executor) *CLI {
	return &CLI{exec: exec}
}

// SetProperty runs zfs set.
func (c *CLI) SetProperty(ctx context.Context, dataset, key, value string) error {
	_, err := executor.RunChecked(ctx, c.exec, fmt.Sprintf("zfs set %s %s", executor.Quote(key+"="+value), executor.Quote(dataset)))
	return err
}

// CreateVolume runs zfs create -V.
func (c *CLI) CreateVolume(ctx context.Context, dataset, size, blockSize string) error {
	cmd := "zfs create -V " + executor.Quote(size)
	if blockSize != "" {
		cmd += " -b " + executor.Quote(blockSize)
	}
	_, err := executor.RunChecked(ctx, c.exec, cmd+" "+executor.Quote(dataset))
	return err
}

// Properties returns the zfs get all listing.
func (c *CLI) Properties(ctx context.Context, dataset string) (string, error) {
	result, err := executor.RunChecked(ctx, c.exec, "zfs get all "+executor.Quote(dataset))
	if err != nil {
		return "", err
	}
	return result.Transcript, nil
}

// SizePrompt asks the operator for the size of a volume without one configured.
type SizePrompt func(ctx context.Context, dataset string) (string, error)

// Service provisions a pool's zvols.
type Service struct {
	zfs    VolumeProvisioner
	logger zerolog.Logger
}

// New creates a provisioning service.
func New(logger zerolog.Logger, zfs VolumeProvisioner) *Service {
	return &Service{zfs: zfs, logger: logger}
}

// Provision sets pool properties then creates and verifies every volume.
// A pool property failure aborts; a volume failure is recorded and the next volume is tried.
func (s *Service) Provision(ctx context.Context, cfg models.ZFSConfig, askSize SizePrompt) ([]models.ZvolResult, error) {
	if cfg.Pool == "" {
		return nil, errors.New("no pool configured")
	}

	props := cfg.PoolProperties
	if len(props) == 0 {
		props = DefaultPoolProperties
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.logger.Info().Str("pool", cfg.Pool).Msg("configuring pool properties")
	for _, k := range keys {
		if err := s.zfs.SetProperty(ctx, cfg.Pool, k, props[k]); err != nil {
			return nil, fmt.Errorf("failed to set %s on %s: %w", k, cfg.Pool, err)
		}
	}

	results := make([]models.ZvolResult, 0, len(cfg.Volumes))
	for _, vol := range cfg.Volumes {
		results = append(results, s.provisionVolume(ctx, cfg.Pool, vol, askSize))
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (s *Service) provisionVolume(ctx context.Context, pool string, vol models.ZvolSpec, askSize SizePrompt) models.ZvolResult {
	dataset := pool + "/" + vol.Name
	result := models.ZvolResult{Dataset: dataset}
	log := s.logger.With().Str("dataset", dataset).Logger()

	size := strings.TrimSpace(vol.Size)
	if size == "" {
		if askSize == nil {
			result.Error = fmt.Errorf("no size configured for %s", dataset)
			return result
		}
		var err error
		if size, err = askSize(ctx, dataset); err != nil {
			result.Error = err
			return result
		}
		size = strings.TrimSpace(size)
	}
	if err := ValidateSize(size); err != nil {
		result.Error = err
		return result
	}

	log.Info().Str("size", size).Str("block_size", vol.BlockSize).Msg("creating zvol")
	if err := s.zfs.CreateVolume(ctx, dataset, size, vol.BlockSize); err != nil {
		result.Error = fmt.Errorf("failed to create %s: %w", dataset, err)
		log.Error().Err(err).Msg("zvol creation failed")
		return result
	}
	result.Created = true

	props, err := s.zfs.Properties(ctx, dataset)
	if err != nil {
		log.Warn().Err(err).Msg("failed to verify zvol properties")
	}
	result.Properties = props
	return result
}
