package tph

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Policy holds host-wide TPH restrictions.
type Policy struct {
	// DisableTPH refuses to enable TPH on any device.
	DisableTPH bool `json:"disableTPH,omitempty"`
	// ForceNoST enables every device in No ST mode regardless of the
	// requested mode.
	ForceNoST bool `json:"forceNoST,omitempty"`
}

// Options wires a Controller to its collaborators.
type Options struct {
	// Interrupts gives access to the MSI-X descriptors. Required for
	// devices whose ST table lives in the MSI-X table.
	Interrupts types.InterruptTable
	// Firmware answers steering tag queries. Optional.
	Firmware types.Firmware
	Policy   Policy
}

// Controller programs the TPH capability of a single device. All methods
// are serialized by an internal per-device lock.
type Controller struct {
	dev    types.Device
	opts   Options
	capPos uint16
	hasCap bool
	log    *log.Entry

	mu    sync.Mutex
	desc  *CapabilityDescriptor
	state ControlState
}

// NewController locates the TPH capability of dev. The controller starts in
// the disabled state; use Sync to adopt what the hardware already has.
func NewController(dev types.Device, opts Options) *Controller {
	c := &Controller{
		dev:  dev,
		opts: opts,
		log:  log.WithField("device", dev.Name()),
	}
	c.capPos, c.hasCap = dev.FindExtCapability(pcicap.ExtCapIDTPH)
	return c
}

// Device returns the controlled device.
func (c *Controller) Device() types.Device { return c.dev }

// Supported reports whether the device has a TPH capability.
func (c *Controller) Supported() bool { return c.hasCap }

// Descriptor returns the decoded capability register.
func (c *Controller) Descriptor() (CapabilityDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptor()
}

func (c *Controller) descriptor() (CapabilityDescriptor, error) {
	if !c.hasCap {
		return CapabilityDescriptor{}, ErrNotSupported
	}
	if c.desc == nil {
		desc, err := readCapabilityAt(c.dev, c.capPos)
		if err != nil {
			return CapabilityDescriptor{}, err
		}
		c.desc = &desc
	}
	return *c.desc, nil
}

// SupportedModes returns the modes the device implements, or an empty set
// when it has no TPH capability.
func (c *Controller) SupportedModes() ModeSet {
	desc, err := c.Descriptor()
	if err != nil {
		return 0
	}
	return desc.Modes
}

// TableLocation returns where the device keeps its ST table.
func (c *Controller) TableLocation() TableLocation {
	desc, err := c.Descriptor()
	if err != nil {
		return LocationNone
	}
	return desc.Location
}

// TableSize returns the number of capability ST table entries, or 0 when the
// table is not in the capability.
func (c *Controller) TableSize() uint16 {
	desc, err := c.Descriptor()
	if err != nil {
		return 0
	}
	return desc.TableSize
}

// IsEnabled reports whether TPH is enabled.
func (c *Controller) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Enabled
}

// State returns the current control state.
func (c *Controller) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enable negotiates a request type with the root port and enables TPH in
// the given mode.
func (c *Controller) Enable(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Enabled {
		return ErrAlreadyEnabled
	}
	if !c.hasCap {
		return ErrNotSupported
	}
	if c.opts.Policy.DisableTPH {
		return fmt.Errorf("%w: disabled by policy", ErrNotSupported)
	}
	if c.opts.Policy.ForceNoST && mode != ModeNoST {
		c.log.Infof("policy forces No ST mode, ignoring requested mode %s", mode)
		mode = ModeNoST
	}

	desc, err := c.descriptor()
	if err != nil {
		return err
	}
	mode, req, err := Negotiate(desc, mode, ResolveCompleter(c.dev))
	if err != nil {
		return err
	}

	ctrl, err := c.dev.ReadConfig(c.capPos+regCtrl, types.Dword)
	if err != nil {
		return fmt.Errorf("cannot read TPH control of %s: %w", c.dev.Name(), err)
	}
	// Mode select and requester enable go out in the same write.
	ctrl = setField(ctrl, ctrlModeSelMask, mode.selector())
	ctrl = setField(ctrl, ctrlReqEnMask, uint32(req))
	if err := c.dev.WriteConfig(c.capPos+regCtrl, types.Dword, ctrl); err != nil {
		c.clearCtrl()
		return fmt.Errorf("cannot write TPH control of %s: %w", c.dev.Name(), err)
	}

	c.state = ControlState{Enabled: true, Mode: mode, RequestType: req}
	c.log.Debugf("TPH enabled: mode %s, request type %s", mode, req)
	return nil
}

// Disable turns TPH off by clearing the whole control register. It is a
// no-op when TPH is not enabled or not supported.
func (c *Controller) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disable()
}

func (c *Controller) disable() error {
	if !c.hasCap || !c.state.Enabled {
		return nil
	}
	c.state = ControlState{}
	if err := c.dev.WriteConfig(c.capPos+regCtrl, types.Dword, 0); err != nil {
		return fmt.Errorf("cannot clear TPH control of %s: %w", c.dev.Name(), err)
	}
	c.log.Debug("TPH disabled")
	return nil
}

// clearCtrl writes zero to the control register, ignoring errors.
func (c *Controller) clearCtrl() {
	if err := c.dev.WriteConfig(c.capPos+regCtrl, types.Dword, 0); err != nil {
		c.log.Errorf("cannot clear TPH control: %v", err)
	}
}

// failSafe disables TPH after a failed reprogramming step.
func (c *Controller) failSafe(cause error) {
	c.log.Warnf("disabling TPH after failure: %v", cause)
	if err := c.disable(); err != nil {
		c.log.Errorf("fail-safe disable: %v", err)
	}
}

// setRequestEnable updates only the TPH Requester Enable field.
func (c *Controller) setRequestEnable(req RequestType) error {
	ctrl, err := c.dev.ReadConfig(c.capPos+regCtrl, types.Dword)
	if err != nil {
		return fmt.Errorf("cannot read TPH control of %s: %w", c.dev.Name(), err)
	}
	ctrl = setField(ctrl, ctrlReqEnMask, uint32(req))
	if err := c.dev.WriteConfig(c.capPos+regCtrl, types.Dword, ctrl); err != nil {
		return fmt.Errorf("cannot write TPH control of %s: %w", c.dev.Name(), err)
	}
	return nil
}

// Sync adopts the control state programmed in hardware, e.g. by an earlier
// process. A cleared requester enable field reads as disabled.
func (c *Controller) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCap {
		return ErrNotSupported
	}
	ctrl, err := c.dev.ReadConfig(c.capPos+regCtrl, types.Dword)
	if err != nil {
		return fmt.Errorf("cannot read TPH control of %s: %w", c.dev.Name(), err)
	}

	req := decodeRequestType(getField(ctrl, ctrlReqEnMask))
	if req == RequestDisabled {
		c.state = ControlState{}
		return nil
	}
	mode, ok := modeFromSelector(getField(ctrl, ctrlModeSelMask))
	if !ok {
		return fmt.Errorf("%w: reserved ST mode select %d on %s", ErrBackend, getField(ctrl, ctrlModeSelMask), c.dev.Name())
	}
	c.state = ControlState{Enabled: true, Mode: mode, RequestType: req}
	return nil
}
