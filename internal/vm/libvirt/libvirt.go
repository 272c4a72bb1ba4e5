// Package libvirt starts transient domains through a libvirt connection.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/stage4/internal/vm"
)

// DefaultURI is the system connection of the local QEMU driver.
const DefaultURI = "qemu:///system"

// Hypervisor opens a connection per started domain.
type Hypervisor struct {
	ConnectionURI string
	Logger        *slog.Logger
}

var _ vm.Hypervisor = (*Hypervisor)(nil)

func (h *Hypervisor) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Start creates a transient domain from domainXML and boots it.
func (h *Hypervisor) Start(_ context.Context, domainXML string) (vm.Domain, error) {
	uri := h.ConnectionURI
	if uri == "" {
		uri = DefaultURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt %s: %w", uri, err)
	}
	dom, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create domain: %w", err)
	}
	name, err := dom.GetName()
	if err != nil {
		dom.Free()
		conn.Close()
		return nil, fmt.Errorf("lookup domain name: %w", err)
	}
	h.logger().Debug("created transient domain", "domain", name, "uri", uri)
	return &domain{conn: conn, dom: dom, name: name}, nil
}

type domain struct {
	conn *libvirt.Connect
	dom  *libvirt.Domain
	name string
}

func (d *domain) Name() string {
	return d.name
}

// Running treats a domain libvirt no longer knows as shut off, since
// transient domains disappear once they stop.
func (d *domain) Running() (bool, error) {
	state, reason, err := d.dom.GetState()
	if err != nil {
		if isNoDomain(err) {
			return false, nil
		}
		return false, err
	}
	return stateRunning(state, reason)
}

// stateRunning maps a domain state to running. Crashed guests are kept by
// on_crash=preserve and reported as vm.ErrGuestCrashed.
func stateRunning(state libvirt.DomainState, reason int) (bool, error) {
	switch state {
	case libvirt.DOMAIN_CRASHED:
		return false, vm.ErrGuestCrashed
	case libvirt.DOMAIN_SHUTOFF:
		if libvirt.DomainShutoffReason(reason) == libvirt.DOMAIN_SHUTOFF_CRASHED {
			return false, vm.ErrGuestCrashed
		}
		return false, nil
	}
	return true, nil
}

func (d *domain) Destroy() error {
	if err := d.dom.Destroy(); err != nil && !isNoDomain(err) {
		return err
	}
	return nil
}

func (d *domain) Close() error {
	var errs []error
	if err := d.dom.Free(); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func isNoDomain(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN
}
