// ABOUTME: Bounded PID controller turning timing error into a playback warp
// ABOUTME: Integral clamping keeps the controller from winding up during long drifts
package pid

import "math"

const (
	// DefaultMaxWarp bounds the output to ±0.5% playback rate change
	DefaultMaxWarp = 0.005

	// Gains tuned for errors in microseconds at a ~1ms control period
	DefaultKp = 2e-6
	DefaultKi = 2e-8
	DefaultKd = 0.0
)

// Config holds controller gains and limits
type Config struct {
	Kp      float64
	Ki      float64
	Kd      float64
	MaxWarp float64
}

// Controller is a PID controller with a symmetric output limit.
// Positive error (audio ahead of schedule) yields positive warp, which
// stretches playback; negative error compresses it.
type Controller struct {
	cfg Config

	integral  float64
	lastError float64
	primed    bool
	warp      float64
}

// New creates a controller, filling zero fields from the defaults
func New(cfg Config) *Controller {
	if cfg.Kp == 0 && cfg.Ki == 0 && cfg.Kd == 0 {
		cfg.Kp = DefaultKp
		cfg.Ki = DefaultKi
		cfg.Kd = DefaultKd
	}
	if cfg.MaxWarp <= 0 {
		cfg.MaxWarp = DefaultMaxWarp
	}
	return &Controller{cfg: cfg}
}

// Reset clears accumulated history
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.primed = false
	c.warp = 0
}

// Step feeds one error sample in microseconds and returns the new warp
func (c *Controller) Step(errUs int64) float64 {
	e := float64(errUs)

	derivative := 0.0
	if c.primed {
		derivative = e - c.lastError
	}
	c.lastError = e
	c.primed = true

	c.integral += e
	if c.cfg.Ki != 0 {
		// The integral term alone may never exceed the output limit
		limit := c.cfg.MaxWarp / math.Abs(c.cfg.Ki)
		c.integral = clamp(c.integral, -limit, limit)
	}

	out := c.cfg.Kp*e + c.cfg.Ki*c.integral + c.cfg.Kd*derivative
	c.warp = clamp(out, -c.cfg.MaxWarp, c.cfg.MaxWarp)
	return c.warp
}

// Warp returns the last output
func (c *Controller) Warp() float64 {
	return c.warp
}

// MaxWarp returns the output limit
func (c *Controller) MaxWarp() float64 {
	return c.cfg.MaxWarp
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
