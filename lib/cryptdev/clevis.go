// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cryptdev

import (
	"git.lukeshu.com/pool-progs-ng/lib/poolerr"
)

const maxSSSRecursion = 16

// trustURLKeyword is the engine-side config key a caller sets to
// accept a tang advertisement sight-unseen (no thp/adv pinning). It is
// stripped from cfg before the config is handed to the external
// clevis binary, which has no notion of it.
const trustURLKeyword = "pool_progs_ng:tang:trust_url"

// validateClevisConfig checks a pin config against the pin-specific
// rules from §4.4 before a bind is attempted, recursing into sss.pins
// for the threshold pin. depth guards against unbounded recursion;
// callers pass 0.
func validateClevisConfig(pin string, cfg map[string]any, depth int) error {
	if depth > maxSSSRecursion {
		return poolerr.New(poolerr.Invalid, "clevis sss pin config recursion exceeds limit")
	}
	switch pin {
	case "tang":
		return validateTangConfig(cfg)
	case "tpm2":
		return nil
	case "sss":
		return validateSSSConfig(cfg, depth)
	default:
		return poolerr.Errorf(poolerr.Invalid, "unrecognized clevis pin %q", pin)
	}
}

// validateTangConfig requires either a pinned thumbprint (thp) or a
// full advertisement (adv), unless the caller explicitly opted in to
// trusting whatever the tang server currently advertises.
func validateTangConfig(cfg map[string]any) error {
	if _, ok := cfg["thp"]; ok {
		return nil
	}
	if _, ok := cfg["adv"]; ok {
		return nil
	}
	if trust, _ := cfg[trustURLKeyword].(bool); trust {
		delete(cfg, trustURLKeyword)
		return nil
	}
	return poolerr.New(poolerr.Invalid, "tang config needs thp or adv pinning, or "+trustURLKeyword+"=true")
}

// validateSSSConfig walks the Shamir-threshold pin's nested pin list,
// applying validateTangConfig to any nested tang pin and enforcing the
// recursion cap on nested sss pins.
func validateSSSConfig(cfg map[string]any, depth int) error {
	if _, ok := cfg["t"]; !ok {
		return poolerr.New(poolerr.Invalid, "sss config missing threshold \"t\"")
	}
	pins, _ := cfg["pins"].(map[string]any)
	for nestedPin, rawConfigs := range pins {
		configs, ok := rawConfigs.([]any)
		if !ok {
			return poolerr.Errorf(poolerr.Invalid, "sss config pins[%q] is not a list", nestedPin)
		}
		for _, raw := range configs {
			nestedCfg, ok := raw.(map[string]any)
			if !ok {
				return poolerr.Errorf(poolerr.Invalid, "sss config pins[%q] entry is not an object", nestedPin)
			}
			if err := validateClevisConfig(nestedPin, nestedCfg, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
