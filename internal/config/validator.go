package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Validator checks a resolved Config for internally inconsistent or
// out-of-range values before the engine starts using it.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate rejects configuration combinations the engine cannot act
// on. It does not apply defaults — Default and parseKDL already do
// that — it only catches keys a user set to something nonsensical.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.CompressionLevel < 0 || cfg.CompressionLevel > 19 {
		return fmt.Errorf("compression_level must be between 0 and 19, got %d", cfg.CompressionLevel)
	}
	if cfg.MaxSize < 0 {
		return fmt.Errorf("max_size cannot be negative, got %d", cfg.MaxSize)
	}
	if cfg.MaxFiles < 0 {
		return fmt.Errorf("max_files cannot be negative, got %d", cfg.MaxFiles)
	}
	if cfg.ReadOnly && cfg.Recache {
		return fmt.Errorf("read_only and recache cannot both be set: recache always needs to write")
	}
	if cfg.RemoteOnly && cfg.RemoteStorage == "" {
		return fmt.Errorf("remote_only requires remote_storage to be configured")
	}
	if err := v.validateCompilerCheck(cfg.CompilerCheck); err != nil {
		return err
	}
	if err := v.validateUmask(cfg.Umask); err != nil {
		return err
	}
	for tok := range cfg.Sloppiness {
		if !knownSloppiness[tok] {
			return fmt.Errorf("sloppiness: unknown token %q", tok)
		}
	}
	return nil
}

// validateCompilerCheck accepts the five documented compiler_check
// policies: none, mtime, content, string:<literal>, or an arbitrary
// shell command (anything else is treated as a command and can't be
// statically validated further).
func (v *Validator) validateCompilerCheck(policy string) error {
	if policy == "" {
		return nil
	}
	switch policy {
	case "none", "mtime", "content":
		return nil
	default:
		if strings.HasPrefix(policy, "string:") {
			return nil
		}
		// Anything else is a shell command to run; nothing further to
		// validate statically.
		return nil
	}
}

func (v *Validator) validateUmask(umask string) error {
	if umask == "" {
		return nil
	}
	n, err := strconv.ParseUint(umask, 8, 32)
	if err != nil {
		return fmt.Errorf("umask must be an octal number, got %q", umask)
	}
	if n > 0o777 {
		return fmt.Errorf("umask out of range: %q", umask)
	}
	return nil
}

// ValidateConfig is a convenience wrapper for a one-off validation
// call.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
