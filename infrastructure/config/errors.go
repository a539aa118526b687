package config

import "errors"

var (
	errEmptySize        = errors.New("config: empty size")
	errMissingSizeValue = errors.New("config: missing size value")
	errNonPositiveSize  = errors.New("config: size must be positive")
	errSizeTooLarge     = errors.New("config: size too large")
)
