// Copyright (C) 2026  The pool-progs-ng Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package liminal

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/pool-progs-ng/lib/flexlayer"
	"git.lukeshu.com/pool-progs-ng/lib/pool"
)

// stopPool reverses setupPool in the order it built things:
// filesystem thin devices, the thin-pool target, the flex layer's
// mappings, the backstore mapping, then every crypt layer (§4.10 stop
// sequence). Errors are logged rather than aborting the sequence so
// one stuck mapping never leaves the rest of the stack torn down
// halfway.
func stopPool(ctx context.Context, p *pool.Pool, set *DeviceSet) {
	poolUUID := p.UUID()

	if err := p.Stop(ctx); err != nil {
		dlog.Errorf(ctx, "liminal: stop pool %s: %v", poolUUID, err)
	}

	for _, region := range []flexlayer.SubDev{flexlayer.ThinDataDev, flexlayer.ThinMetaDev} {
		if err := flexlayer.Unmap(ctx, poolUUID, region); err != nil {
			dlog.Errorf(ctx, "liminal: unmap %s: %v", region, err)
		}
	}

	if err := p.Backstore().Unmap(ctx, poolUUID); err != nil {
		dlog.Errorf(ctx, "liminal: unmap backstore: %v", err)
	}

	for _, info := range set.Devices {
		locked, ok := info.(LockedInfo)
		if !ok {
			continue
		}
		if err := locked.Handle.Deactivate(ctx); err != nil {
			dlog.Errorf(ctx, "liminal: deactivate %s: %v", locked.DevicePath, err)
		}
	}
}
