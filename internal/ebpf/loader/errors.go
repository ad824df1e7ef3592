// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package loader

import (
	stderrors "errors"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"grimm.is/ingressmeter/internal/errors"
)

// classifyLoadError maps a collection load failure onto an error kind.
func classifyLoadError(err error) error {
	var verr *ebpf.VerifierError
	switch {
	case stderrors.As(err, &verr):
		return errors.Wrap(err, errors.KindVerificationRejected, "kernel verifier rejected program")
	case stderrors.Is(err, ebpf.ErrNotSupported):
		return errors.Wrap(err, errors.KindUnavailable, "kernel does not support probe")
	case stderrors.Is(err, unix.ENOMEM), stderrors.Is(err, unix.E2BIG):
		return errors.Wrap(err, errors.KindResourceExhausted, "allocate counter map")
	case stderrors.Is(err, unix.EPERM):
		return errors.Wrap(err, errors.KindResourceExhausted, "load collection (memlock or CAP_BPF)")
	default:
		return errors.Wrap(err, errors.KindInternal, "load collection")
	}
}
