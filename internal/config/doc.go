// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so credentials can stay out of the file. The loaded RecorderConfig is treated as
// immutable by the rest of the recorder.
package config
