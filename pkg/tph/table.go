package tph

import (
	"fmt"

	"github.com/Nativu5/tphctl/pkg/types"
)

// SetTag writes tag into ST table entry index.
//
// The requester is disabled while the table is rewritten and re-armed with
// the negotiated request type afterwards. Any failure leaves TPH fully
// disabled. In No ST mode there is no table and SetTag does nothing.
func (c *Controller) SetTag(index, tag uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setTag(index, tag)
}

func (c *Controller) setTag(index, tag uint16) error {
	if !c.hasCap {
		return ErrNotSupported
	}
	if !c.state.Enabled {
		return ErrNotEnabled
	}
	if c.state.Mode == ModeNoST {
		return nil
	}

	if err := c.setRequestEnable(RequestDisabled); err != nil {
		c.failSafe(err)
		return err
	}

	err := c.writeTag(index, tag)
	if err == nil {
		err = c.setRequestEnable(c.state.RequestType)
	}
	if err != nil {
		c.failSafe(err)
		return err
	}

	c.log.Debugf("ST entry %d set to %#04x", index, tag)
	return nil
}

// writeTag dispatches on the ST table location.
func (c *Controller) writeTag(index, tag uint16) error {
	desc, err := c.descriptor()
	if err != nil {
		return err
	}

	switch desc.Location {
	case LocationMSIX:
		return c.writeTagMSIX(index, tag)
	case LocationCapTable:
		return c.writeTagCapTable(desc, index, tag)
	default:
		return fmt.Errorf("%w: %s on %s", ErrBackend, desc.Location, c.dev.Name())
	}
}

// writeTagMSIX stores tag in the upper half of the vector control register
// of MSI-X vector index. The descriptor set is held only for this call.
func (c *Controller) writeTagMSIX(index, tag uint16) error {
	if c.opts.Interrupts == nil {
		return fmt.Errorf("%w: no MSI-X table for %s", ErrBackend, c.dev.Name())
	}

	scope, err := c.opts.Interrupts.LockDescriptors()
	if err != nil {
		return fmt.Errorf("cannot lock MSI-X descriptors of %s: %w", c.dev.Name(), err)
	}
	defer scope.Unlock()

	desc, ok := scope.Find(index)
	if !ok {
		return fmt.Errorf("%w: vector %d of %s", ErrEntryNotFound, index, c.dev.Name())
	}

	vecCtrl := scope.VectorControl(desc)
	val := vecCtrl.Read()
	val = setField(val, msixSTMask, uint32(tag))
	vecCtrl.Write(val)

	// read back to flush the update
	_ = vecCtrl.Read()
	return nil
}

// writeTagCapTable stores tag in the capability ST table.
func (c *Controller) writeTagCapTable(desc CapabilityDescriptor, index, tag uint16) error {
	if index >= desc.TableSize {
		return fmt.Errorf("%w: index %d, table size %d", ErrIndexOutOfBounds, index, desc.TableSize)
	}

	offset := c.capPos + regSTTable + index*2
	if err := c.dev.WriteConfig(offset, types.Word, uint32(tag)); err != nil {
		return fmt.Errorf("cannot write ST entry %d of %s: %w", index, c.dev.Name(), err)
	}
	return nil
}
