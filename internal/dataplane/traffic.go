// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dataplane

import (
	"context"
	"math/rand/v2"

	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
)

// Traffic describes a synthetic packet stream.
type Traffic struct {
	Packets int    `json:"packets"`
	MinLen  uint32 `json:"min_len"`
	MaxLen  uint32 `json:"max_len"`
	Flows   uint32 `json:"flows"`
	Seed    uint64 `json:"seed"`
}

// DefaultTraffic is a small mix of Ethernet-sized packets.
func DefaultTraffic() Traffic {
	return Traffic{
		Packets: 10000,
		MinLen:  64,
		MaxLen:  1500,
		Flows:   64,
		Seed:    1,
	}
}

// Validate checks the stream parameters.
func (t Traffic) Validate() error {
	if t.Packets < 0 {
		return errors.Errorf(errors.KindValidation, "packets must not be negative, got %d", t.Packets)
	}
	if t.MinLen > t.MaxLen {
		return errors.Errorf(errors.KindValidation, "min_len %d exceeds max_len %d", t.MinLen, t.MaxLen)
	}
	return nil
}

// ReplayResult is what Replay delivered.
type ReplayResult struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Replay generates t and delivers it, steering each packet by its flow hash.
// Delivery stops at the first error; the result counts what was queued.
func (d *Dispatcher) Replay(ctx context.Context, t Traffic) (ReplayResult, error) {
	var res ReplayResult
	if err := t.Validate(); err != nil {
		return res, err
	}

	flows := t.Flows
	if flows == 0 {
		flows = 1
	}
	rng := rand.New(rand.NewPCG(t.Seed, t.Seed^0x9e3779b97f4a7c15))
	span := uint64(t.MaxLen-t.MinLen) + 1

	for i := 0; i < t.Packets; i++ {
		pkt := types.PacketView{Len: t.MinLen + uint32(rng.Uint64N(span))}
		cpu := d.Steer(rng.Uint32N(flows))
		if err := d.Deliver(ctx, cpu, pkt); err != nil {
			return res, err
		}
		res.Packets++
		res.Bytes += uint64(pkt.Len)
	}
	return res, nil
}
