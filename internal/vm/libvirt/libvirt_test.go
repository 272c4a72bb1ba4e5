package libvirt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/stage4/internal/vm"
)

func TestStateRunning(t *testing.T) {
	tests := []struct {
		name    string
		state   libvirt.DomainState
		reason  int
		running bool
		crashed bool
	}{
		{"running", libvirt.DOMAIN_RUNNING, int(libvirt.DOMAIN_RUNNING_BOOTED), true, false},
		{"paused", libvirt.DOMAIN_PAUSED, 0, true, false},
		{"powered off", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_SHUTDOWN), false, false},
		{"destroyed", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_DESTROYED), false, false},
		{"shut off after crash", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_CRASHED), false, true},
		{"crashed", libvirt.DOMAIN_CRASHED, int(libvirt.DOMAIN_CRASHED_PANICKED), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			running, err := stateRunning(tt.state, tt.reason)
			assert.Equal(t, tt.running, running)
			if tt.crashed {
				assert.ErrorIs(t, err, vm.ErrGuestCrashed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
