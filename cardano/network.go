// Package cardano holds the chain level types shared by the settlement
// components: network selection, slot arithmetic, protocol parameters and the
// blockchain provider contract.
package cardano

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Network selects the chain a payment source is deployed on. There is no
// default; every caller passes it explicitly.
type Network string

const (
	Mainnet Network = "Mainnet"
	Preprod Network = "Preprod"
)

var ErrUnknownNetwork = errors.New("cardano: unknown network")

// ParseNetwork accepts the stored network name, case-insensitively.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mainnet":
		return Mainnet, nil
	case "preprod":
		return Preprod, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, raw)
	}
}

// ID returns the network id written into transaction bodies and address
// headers.
func (n Network) ID() (byte, error) {
	switch n {
	case Mainnet:
		return 1, nil
	case Preprod:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, n)
	}
}

// AddressPrefix returns the bech32 human readable part for payment addresses.
func (n Network) AddressPrefix() (string, error) {
	switch n {
	case Mainnet:
		return "addr", nil
	case Preprod:
		return "addr_test", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, n)
	}
}

// SlotConfig converts wall clock time into slots.
type SlotConfig struct {
	ZeroTime   int64 // unix milliseconds of ZeroSlot
	ZeroSlot   uint64
	SlotLength int64 // milliseconds
}

// SlotConfig returns the Shelley era slot configuration of the network.
func (n Network) SlotConfig() (SlotConfig, error) {
	switch n {
	case Mainnet:
		return SlotConfig{ZeroTime: 1596059091000, ZeroSlot: 4492800, SlotLength: 1000}, nil
	case Preprod:
		return SlotConfig{ZeroTime: 1655769600000, ZeroSlot: 86400, SlotLength: 1000}, nil
	default:
		return SlotConfig{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, n)
	}
}

// Slot returns the slot containing t. Times before the zero time map to
// ZeroSlot.
func (c SlotConfig) Slot(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms <= c.ZeroTime || c.SlotLength <= 0 {
		return c.ZeroSlot
	}
	return c.ZeroSlot + uint64((ms-c.ZeroTime)/c.SlotLength)
}

// Time returns the start time of slot.
func (c SlotConfig) Time(slot uint64) time.Time {
	if slot < c.ZeroSlot {
		return time.UnixMilli(c.ZeroTime)
	}
	return time.UnixMilli(c.ZeroTime + int64(slot-c.ZeroSlot)*c.SlotLength)
}
