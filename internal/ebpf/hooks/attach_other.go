// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package hooks

import (
	"io"
	"runtime"

	"github.com/cilium/ebpf"

	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

type kernelAttacher struct {
	logger *logging.Logger
}

func (kernelAttacher) attachXDP(*ebpf.Program, string, string) (io.Closer, error) {
	return nil, errors.Errorf(errors.KindUnavailable, "xdp attach is not supported on %s", runtime.GOOS)
}

func (kernelAttacher) attachTC(*ebpf.Program, string, string) (io.Closer, string, error) {
	return nil, "", errors.Errorf(errors.KindUnavailable, "tc attach is not supported on %s", runtime.GOOS)
}
