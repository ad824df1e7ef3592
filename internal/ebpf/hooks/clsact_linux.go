// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package hooks

import (
	"github.com/florianl/go-tc"
	"github.com/florianl/go-tc/core"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/ingressmeter/internal/errors"
)

// ensureClsact adds the clsact qdisc to ifindex. An existing one is kept.
func ensureClsact(ifindex int) error {
	tcnl, err := tc.Open(&tc.Config{})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open rtnetlink socket")
	}
	defer tcnl.Close()

	if err := tcnl.SetOption(netlink.ExtendedAcknowledge, true); err != nil {
		return errors.Wrap(err, errors.KindInternal, "could not set option ExtendedAcknowledge")
	}

	qdisc := tc.Object{
		Msg: tc.Msg{
			Family:  unix.AF_UNSPEC,
			Ifindex: uint32(ifindex),
			Handle:  core.BuildHandle(tc.HandleRoot, 0x0000),
			Parent:  tc.HandleIngress,
			Info:    0,
		},
		Attribute: tc.Attribute{
			Kind: "clsact",
		},
	}

	if err := tcnl.Qdisc().Add(&qdisc); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		if errors.Is(err, unix.EPERM) {
			return errors.Wrap(err, errors.KindPermission, "add clsact qdisc")
		}
		return errors.Wrapf(err, errors.KindUnavailable, "add clsact qdisc to ifindex %d", ifindex)
	}
	return nil
}
