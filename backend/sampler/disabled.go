package sampler

import (
	"context"
	"time"
)

// Disabled is a no-op implementation used when cluster access is
// unavailable or sampling is turned off.
type Disabled struct {
	reason string
}

// NewDisabled returns a sampler that never collects.
func NewDisabled(reason string) *Disabled {
	return &Disabled{reason: reason}
}

// Start satisfies the Runner interface.
func (d *Disabled) Start(ctx context.Context) error {
	return nil
}

// Stop satisfies the Runner interface.
func (d *Disabled) Stop(ctx context.Context) error {
	return nil
}

// Metadata returns a minimal payload indicating sampling is disabled.
func (d *Disabled) Metadata() Metadata {
	message := d.reason
	if message == "" {
		message = "sampling disabled"
	}
	return Metadata{
		CollectedAt: time.Time{},
		LastError:   message,
	}
}

// Runner is the lifecycle contract shared by Sampler and Disabled.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Metadata() Metadata
}

var (
	_ Runner = (*Sampler)(nil)
	_ Runner = (*Disabled)(nil)
)
