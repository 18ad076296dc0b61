package tph

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// CapabilityDescriptor is the decoded TPH Requester Capability register.
type CapabilityDescriptor struct {
	Modes    ModeSet
	ExtTPH   bool
	Location TableLocation
	// TableSize is the number of ST table entries; only set for LocationCapTable.
	TableSize uint16
}

// DecodeCapability decodes a raw TPH Requester Capability register.
func DecodeCapability(reg uint32) CapabilityDescriptor {
	desc := CapabilityDescriptor{
		Modes:    ModeSet(reg & capModeMask),
		ExtTPH:   reg&capExtTPH != 0,
		Location: TableLocation(getField(reg, capLocMask)),
	}
	if desc.Location == LocationCapTable {
		desc.TableSize = uint16(getField(reg, capSTMask)) + 1
	}
	return desc
}

// PreferredRequestType is the widest request type the device can issue.
func (d CapabilityDescriptor) PreferredRequestType() RequestType {
	if d.ExtTPH {
		return RequestExtTPH
	}
	return RequestTPHOnly
}

// ReadCapability reads the TPH capability of dev.
func ReadCapability(dev types.Device) (CapabilityDescriptor, error) {
	pos, ok := dev.FindExtCapability(pcicap.ExtCapIDTPH)
	if !ok {
		return CapabilityDescriptor{}, ErrNotSupported
	}
	return readCapabilityAt(dev, pos)
}

func readCapabilityAt(dev types.Device, pos uint16) (CapabilityDescriptor, error) {
	reg, err := dev.ReadConfig(pos+regCap, types.Dword)
	if err != nil {
		return CapabilityDescriptor{}, fmt.Errorf("cannot read TPH capability of %s: %w", dev.Name(), err)
	}
	return DecodeCapability(reg), nil
}

// ResolveCompleter returns the TPH completer level of the root port above
// dev. A missing root port or an unreadable register yields RequestDisabled.
func ResolveCompleter(dev types.Device) RequestType {
	rp, ok := dev.RootPort()
	if !ok {
		log.Errorf("cannot find root port of %s", dev.Name())
		return RequestDisabled
	}

	pos, ok := rp.FindCapability(pcicap.CapIDExpress)
	if !ok {
		log.Errorf("root port %s of %s has no PCIe capability", rp.Name(), dev.Name())
		return RequestDisabled
	}

	val, err := rp.ReadConfig(pos+pcicap.ExpDevCap2, types.Dword)
	if err != nil {
		log.Errorf("cannot read device capabilities 2 of %s: %v", rp.Name(), err)
		return RequestDisabled
	}

	return decodeRequestType(getField(val, pcicap.ExpDevCap2TPHComp))
}

// Negotiate picks the request type for enabling mode on a device described
// by desc below a completer of the given level.
func Negotiate(desc CapabilityDescriptor, mode Mode, completer RequestType) (Mode, RequestType, error) {
	if !desc.Modes.Has(mode) {
		return ModeDisabled, RequestDisabled, fmt.Errorf("%w: %s (supported: %s)", ErrModeUnsupported, mode, desc.Modes)
	}

	req := desc.PreferredRequestType()
	if completer < req {
		req = completer
	}
	if req == RequestDisabled {
		return ModeDisabled, RequestDisabled, ErrCompleterIncompatible
	}

	return mode, req, nil
}
