package tph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Nativu5/tphctl/pkg/pcisim"
	"github.com/Nativu5/tphctl/pkg/types"
)

func ctrlWrite(v uint32) pcisim.Access {
	return pcisim.Access{Write: true, Offset: tCtrl, Width: types.Dword, Value: v}
}

func TestEnable_SingleControlWrite(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec|tExt|tLocMSIX, 0, 1)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeIntVec); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	want := []pcisim.Access{ctrlWrite(0x101)}
	if diff := cmp.Diff(want, dev.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	wantState := ControlState{Enabled: true, Mode: ModeIntVec, RequestType: RequestTPHOnly}
	if diff := cmp.Diff(wantState, c.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if !c.IsEnabled() {
		t.Error("IsEnabled() = false after Enable")
	}
}

func TestEnable_ExtendedRequests(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tDevSpec|tExt, 0, 3)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeDevSpec); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := dev.Config.ReadU32(tCtrl); got != 0x302 {
		t.Errorf("control = %#x, want 0x302", got)
	}
}

func TestEnable_PreservesReservedBits(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec, 0, 3)
	dev.Config.WriteU32(tCtrl, 0xf000_0000)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeNoST); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := dev.Config.ReadU32(tCtrl); got != 0xf000_0100 {
		t.Errorf("control = %#x, want 0xf0000100", got)
	}
}

func TestEnable_Errors(t *testing.T) {
	tests := []struct {
		name    string
		capReg  uint32
		orphan  bool
		mode    Mode
		wantErr error
	}{
		{"no_capability", 0, false, ModeNoST, ErrNotSupported},
		{"mode_unsupported", tNoST | tIntVec, false, ModeDevSpec, ErrModeUnsupported},
		{"no_root_port", tNoST | tIntVec | tExt, true, ModeIntVec, ErrCompleterIncompatible},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev, _ := newTestDevice(tc.capReg, 0, 3)
			if tc.orphan {
				dev.Upstream = nil
			}
			c := NewController(dev, Options{})

			err := c.Enable(tc.mode)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Enable error = %v, want %v", err, tc.wantErr)
			}
			if len(dev.Writes()) != 0 {
				t.Errorf("expected no writes, got %v", dev.Writes())
			}
			if c.IsEnabled() {
				t.Error("controller must stay disabled")
			}
		})
	}
}

func TestEnable_CompleterWithoutTPH(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec, 0, 0)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeIntVec); !errors.Is(err, ErrCompleterIncompatible) {
		t.Fatalf("Enable error = %v, want ErrCompleterIncompatible", err)
	}
	if dev.Config.ReadU32(tCtrl) != 0 {
		t.Error("control register must be untouched")
	}
}

func TestEnable_AlreadyEnabled(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec, 0, 1)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeIntVec); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	dev.ResetAccesses()
	if err := c.Enable(ModeNoST); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("second Enable error = %v, want ErrAlreadyEnabled", err)
	}
	if len(dev.Accesses()) != 0 {
		t.Errorf("second Enable touched the device: %v", dev.Accesses())
	}
	if c.State().Mode != ModeIntVec {
		t.Errorf("mode = %s, want IntVec", c.State().Mode)
	}
}

func TestEnable_WriteFailureClearsControl(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec, 0, 1)
	fails := 1
	dev.FailWrite = func(offset uint16) error {
		if offset == tCtrl && fails > 0 {
			fails--
			return errors.New("bus error")
		}
		return nil
	}
	c := NewController(dev, Options{})

	if err := c.Enable(ModeIntVec); err == nil {
		t.Fatal("Enable should fail")
	}
	if c.IsEnabled() {
		t.Error("controller must stay disabled")
	}
	want := []pcisim.Access{ctrlWrite(0)}
	if diff := cmp.Diff(want, dev.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestDisable(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec|tExt, 0, 3)
	dev.Config.WriteU32(tCtrl, 0xf000_0000)
	c := NewController(dev, Options{})

	if err := c.Enable(ModeIntVec); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	dev.ResetAccesses()

	if err := c.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	// The whole register is cleared, reserved bits included.
	want := []pcisim.Access{ctrlWrite(0)}
	if diff := cmp.Diff(want, dev.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ControlState{}, c.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	// Disabling again is a no-op
	dev.ResetAccesses()
	if err := c.Disable(); err != nil {
		t.Fatalf("second Disable: %v", err)
	}
	if len(dev.Accesses()) != 0 {
		t.Errorf("second Disable touched the device: %v", dev.Accesses())
	}
}

func TestDisable_Unsupported(t *testing.T) {
	dev, _ := newTestDevice(0, 0, 3)
	c := NewController(dev, Options{})
	if err := c.Disable(); err != nil {
		t.Fatalf("Disable on a device without TPH: %v", err)
	}
	if len(dev.Accesses()) != 0 {
		t.Errorf("unexpected accesses: %v", dev.Accesses())
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tIntVec|tDevSpec|tExt, 0, 3)
	c := NewController(dev, Options{})

	for _, m := range []Mode{ModeNoST, ModeIntVec, ModeDevSpec} {
		if err := c.Enable(m); err != nil {
			t.Fatalf("Enable(%s): %v", m, err)
		}
		if got := c.State(); got.Mode != m || got.RequestType != RequestExtTPH {
			t.Errorf("Enable(%s): state %+v", m, got)
		}
		if err := c.Disable(); err != nil {
			t.Fatalf("Disable: %v", err)
		}
		if c.IsEnabled() {
			t.Errorf("still enabled after Disable")
		}
	}
}

func TestSync(t *testing.T) {
	tests := []struct {
		name    string
		ctrl    uint32
		want    ControlState
		wantErr error
	}{
		{"disabled", 0x0000_0001, ControlState{}, nil},
		{"intvec_tph", 0x0000_0101, ControlState{Enabled: true, Mode: ModeIntVec, RequestType: RequestTPHOnly}, nil},
		{"devspec_ext", 0x0000_0302, ControlState{Enabled: true, Mode: ModeDevSpec, RequestType: RequestExtTPH}, nil},
		{"reserved_req_en", 0x0000_0200, ControlState{Enabled: true, Mode: ModeNoST, RequestType: RequestTPHOnly}, nil},
		{"reserved_mode", 0x0000_0105, ControlState{}, ErrBackend},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev, _ := newTestDevice(tNoST|tIntVec|tDevSpec|tExt, 0, 3)
			dev.Config.WriteU32(tCtrl, tc.ctrl)
			c := NewController(dev, Options{})

			err := c.Sync()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Sync error = %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, c.State()); diff != "" {
				t.Errorf("state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSync_Unsupported(t *testing.T) {
	dev, _ := newTestDevice(0, 0, 3)
	if err := NewController(dev, Options{}).Sync(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Sync error = %v, want ErrNotSupported", err)
	}
}

func TestPolicy(t *testing.T) {
	t.Run("disable_tph", func(t *testing.T) {
		dev, _ := newTestDevice(tNoST|tIntVec, 0, 3)
		c := NewController(dev, Options{Policy: Policy{DisableTPH: true}})
		if err := c.Enable(ModeIntVec); !errors.Is(err, ErrNotSupported) {
			t.Fatalf("Enable error = %v, want ErrNotSupported", err)
		}
		if len(dev.Writes()) != 0 {
			t.Errorf("unexpected writes: %v", dev.Writes())
		}
	})

	t.Run("force_no_st", func(t *testing.T) {
		dev, _ := newTestDevice(tNoST|tIntVec, 0, 1)
		c := NewController(dev, Options{Policy: Policy{ForceNoST: true}})
		if err := c.Enable(ModeIntVec); err != nil {
			t.Fatalf("Enable: %v", err)
		}
		if got := c.State().Mode; got != ModeNoST {
			t.Errorf("mode = %s, want NoST", got)
		}
		if got := dev.Config.ReadU32(tCtrl); got != 0x100 {
			t.Errorf("control = %#x, want 0x100", got)
		}
	})
}

func TestDescriptorQueries(t *testing.T) {
	dev, _ := newTestDevice(tNoST|tDevSpec|tLocTable|tSize(8), 8, 3)
	c := NewController(dev, Options{})

	if !c.Supported() {
		t.Fatal("Supported() = false")
	}
	if got := c.SupportedModes(); got != ModeSet(tNoST|tDevSpec) {
		t.Errorf("SupportedModes() = %s", got)
	}
	if got := c.TableLocation(); got != LocationCapTable {
		t.Errorf("TableLocation() = %s", got)
	}
	if got := c.TableSize(); got != 8 {
		t.Errorf("TableSize() = %d, want 8", got)
	}

	none := NewController(pcisim.NewEndpoint("0000:03:00.0", pcisim.EndpointConfig{}, nil), Options{})
	if none.Supported() || none.SupportedModes() != 0 || none.TableSize() != 0 {
		t.Error("device without TPH must report nothing")
	}
	if _, err := none.Descriptor(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Descriptor error = %v, want ErrNotSupported", err)
	}
}
