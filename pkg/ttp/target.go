// ABOUTME: Rate correction target variants
// ABOUTME: Selects whether warp drives the resampler, hardware or a delegate operator
package ttp

import "fmt"

// RateTarget is where on-time warp corrections are applied.
// Exactly one of SoftwareWarp, HardwareWarp or DelegateOperator.
type RateTarget interface {
	fmt.Stringer
	rateTarget()
}

// SoftwareWarp resamples in the pipeline
type SoftwareWarp struct{}

// HardwareWarp hands the warp to the platform and copies samples unmodified
type HardwareWarp struct {
	Apply func(warp float64)
}

// DelegateOperator sends the warp to another operator and copies samples unmodified
type DelegateOperator struct {
	ID uint32
}

func (SoftwareWarp) rateTarget()     {}
func (HardwareWarp) rateTarget()     {}
func (DelegateOperator) rateTarget() {}

func (SoftwareWarp) String() string { return "software" }
func (HardwareWarp) String() string { return "hardware" }
func (d DelegateOperator) String() string {
	return fmt.Sprintf("delegate(%d)", d.ID)
}
