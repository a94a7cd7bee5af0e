package relief

import "fmt"

const (
	MinDepthScale = 0.1
	MaxDepthScale = 10.0
	MinBlurRadius = 1
	MaxBlurRadius = 10

	DefaultDepthScale = 3.0
	DefaultBlurRadius = 3
)

// Settings are the user-adjustable relief parameters.
type Settings struct {
	DepthScale float64 `json:"depthScale" mapstructure:"depth_scale"`
	BlurRadius int     `json:"blurRadius" mapstructure:"blur_radius"`
}

func DefaultSettings() Settings {
	return Settings{DepthScale: DefaultDepthScale, BlurRadius: DefaultBlurRadius}
}

func ValidateDepthScale(s float64) error {
	if !(s >= MinDepthScale && s <= MaxDepthScale) {
		return fmt.Errorf("%w: depth scale %v not in [%v, %v]", ErrInvalidSetting, s, MinDepthScale, MaxDepthScale)
	}
	return nil
}

func ValidateBlurRadius(r int) error {
	if r < MinBlurRadius || r > MaxBlurRadius {
		return fmt.Errorf("%w: blur radius %d not in [%d, %d]", ErrInvalidSetting, r, MinBlurRadius, MaxBlurRadius)
	}
	return nil
}

func (s Settings) Validate() error {
	if err := ValidateDepthScale(s.DepthScale); err != nil {
		return err
	}
	return ValidateBlurRadius(s.BlurRadius)
}
