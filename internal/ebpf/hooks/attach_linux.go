// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package hooks

import (
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

type kernelAttacher struct {
	logger *logging.Logger
}

func interfaceIndex(iface string) (int, error) {
	nlLink, err := netlink.LinkByName(iface)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindNotFound, "interface %s not found", iface)
	}
	return nlLink.Attrs().Index, nil
}

func xdpFlags(mode string) (link.XDPAttachFlags, error) {
	switch mode {
	case XDPModeAuto:
		return 0, nil
	case XDPModeGeneric:
		return link.XDPGenericMode, nil
	case XDPModeNative:
		return link.XDPDriverMode, nil
	case XDPModeOffload:
		return link.XDPOffloadMode, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown xdp mode %q", mode)
}

// attachXDP attaches an XDP program
func (a kernelAttacher) attachXDP(program *ebpf.Program, iface string, mode string) (io.Closer, error) {
	flags, err := xdpFlags(mode)
	if err != nil {
		return nil, err
	}
	index, err := interfaceIndex(iface)
	if err != nil {
		return nil, err
	}

	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   program,
		Interface: index,
		Flags:     flags,
	})
	if err != nil {
		return nil, classifyAttachError(err)
	}
	return lnk, nil
}

// attachTC attaches a classifier to the ingress hook. TCX links are used
// when the kernel has them (6.6+); older kernels get a direct-action filter
// on a clsact qdisc.
func (a kernelAttacher) attachTC(program *ebpf.Program, iface string, name string) (io.Closer, string, error) {
	index, err := interfaceIndex(iface)
	if err != nil {
		return nil, "", err
	}

	lnk, err := link.AttachTCX(link.TCXOptions{
		Program:   program,
		Interface: index,
		Attach:    ebpf.AttachTCXIngress,
	})
	if err == nil {
		return lnk, TCModeTCX, nil
	}
	a.logger.Warn("TCX attach failed, falling back to clsact filter", "interface", iface, "error", err)

	if err := ensureClsact(index); err != nil {
		return nil, "", err
	}
	filter, err := attachLegacyFilter(program, index, name)
	if err != nil {
		return nil, "", err
	}
	return filter, TCModeLegacy, nil
}

type legacyFilter struct {
	filter *netlink.BpfFilter
}

func (f *legacyFilter) Close() error {
	return netlink.FilterDel(f.filter)
}

func attachLegacyFilter(program *ebpf.Program, index int, name string) (*legacyFilter, error) {
	nlLink, err := netlink.LinkByIndex(index)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface index %d not found", index)
	}

	// Remove filters left behind by a previous run.
	existing, err := netlink.FilterList(nlLink, netlink.HANDLE_MIN_INGRESS)
	if err == nil {
		for _, f := range existing {
			if bpfFilter, ok := f.(*netlink.BpfFilter); ok && bpfFilter.Name == name {
				_ = netlink.FilterDel(bpfFilter)
			}
		}
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: index,
			Parent:    netlink.HANDLE_MIN_INGRESS,
			Handle:    1,
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           program.FD(),
		Name:         name,
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return nil, classifyAttachError(err)
	}
	return &legacyFilter{filter: filter}, nil
}

func classifyAttachError(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errors.Wrap(err, errors.KindPermission, "attach requires CAP_NET_ADMIN and CAP_BPF")
	case errors.Is(err, ebpf.ErrNotSupported), errors.Is(err, unix.EOPNOTSUPP):
		return errors.Wrap(err, errors.KindUnavailable, "hook not supported by kernel or driver")
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EEXIST):
		return errors.Wrap(err, errors.KindUnavailable, "hook already in use")
	}
	return errors.Wrap(err, errors.KindInternal, "attach failed")
}
