// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"context"
	"fmt"
)

// DisownDevices clears every device's claim on belonging to this pool
// and closes its handle. Called once the dm stack and crypt layers are
// already torn down (lib/liminal's stop sequence); errors from
// individual devices are collected rather than stopping at the first
// one, since a destroy request should disown every device it can.
func (p *Pool) DisownDevices(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for uuid, dev := range p.devices {
		if err := dev.Disown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disown %s: %w", uuid, err))
			continue
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", uuid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool %s: %d device(s) failed to disown: %w", p.name, len(errs), errs[0])
	}
	return nil
}
