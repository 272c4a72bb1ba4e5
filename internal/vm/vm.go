// Package vm boots installation and provisioning virtual machines.
package vm

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/cochaviz/stage4/arch"
)

// DefaultPollInterval is how often a running domain is checked for shutdown.
const DefaultPollInterval = 5 * time.Second

//go:embed domain.xml
var domainTemplate string

// ErrGuestCrashed is reported by a Domain whose guest crashed instead of
// powering itself off.
var ErrGuestCrashed = errors.New("guest crashed")

// Hypervisor starts transient domains.
type Hypervisor interface {
	Start(ctx context.Context, domainXML string) (Domain, error)
}

// Domain is a started virtual machine.
type Domain interface {
	Name() string
	Running() (bool, error)
	Destroy() error
	Close() error
}

// Spec describes a machine with one system disk.
type Spec struct {
	Name         string
	Arch         arch.Architecture
	Machine      string
	MemoryMB     int
	VCPUs        int
	DiskPath     string
	DiskFormat   string
	DiskBus      string
	CDROMs       []string
	Floppy       string
	BootFromCD   bool
	Network      string
	NetworkModel string
	Video        string
}

type cdrom struct {
	File   string
	Target string
	Bus    string
}

type domainTemplateData struct {
	Name         string
	MemoryMB     int
	VCPUs        int
	VirtArch     string
	Machine      string
	FirstBoot    string
	DiskPath     string
	DiskFormat   string
	DiskTarget   string
	DiskBus      string
	CDROMs       []cdrom
	Floppy       string
	Network      string
	NetworkModel string
	Video        string
}

// NewName returns a unique domain name.
func NewName(prefix string) string {
	if prefix == "" {
		return uuid.New().String()
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

func virtArch(a arch.Architecture) (string, error) {
	switch a {
	case arch.I686:
		return "i686", nil
	case arch.X86_64:
		return "x86_64", nil
	default:
		return "", fmt.Errorf("architecture %s cannot be virtualised", a)
	}
}

func buildDomainTemplateData(spec Spec) (domainTemplateData, error) {
	if spec.Name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if spec.DiskPath == "" {
		return domainTemplateData{}, errors.New("disk path is required")
	}
	if spec.MemoryMB <= 0 || spec.VCPUs <= 0 {
		return domainTemplateData{}, errors.New("memory and vcpus must be positive")
	}
	va, err := virtArch(spec.Arch)
	if err != nil {
		return domainTemplateData{}, err
	}

	bus := spec.DiskBus
	if bus == "" {
		bus = "sata"
	}
	var prefix string
	var slots []string
	switch bus {
	case "ide":
		// hdb is left free so the system disk and CD drives sit on separate channels
		prefix, slots = "hd", []string{"a", "c", "d"}
	case "sata":
		prefix, slots = "sd", []string{"a", "b", "c", "d", "e"}
	default:
		return domainTemplateData{}, fmt.Errorf("unsupported disk bus %q", bus)
	}
	if len(spec.CDROMs) > len(slots)-1 {
		return domainTemplateData{}, fmt.Errorf("too many CD-ROM images for bus %s", bus)
	}

	data := domainTemplateData{
		Name:         template.HTMLEscapeString(spec.Name),
		MemoryMB:     spec.MemoryMB,
		VCPUs:        spec.VCPUs,
		VirtArch:     va,
		Machine:      spec.Machine,
		FirstBoot:    "hd",
		DiskPath:     template.HTMLEscapeString(spec.DiskPath),
		DiskFormat:   spec.DiskFormat,
		DiskTarget:   prefix + slots[0],
		DiskBus:      bus,
		Floppy:       template.HTMLEscapeString(spec.Floppy),
		Network:      template.HTMLEscapeString(spec.Network),
		NetworkModel: spec.NetworkModel,
		Video:        spec.Video,
	}
	if spec.BootFromCD {
		data.FirstBoot = "cdrom"
	}
	for i, file := range spec.CDROMs {
		data.CDROMs = append(data.CDROMs, cdrom{
			File:   template.HTMLEscapeString(file),
			Target: prefix + slots[i+1],
			Bus:    bus,
		})
	}
	if data.DiskFormat == "" {
		data.DiskFormat = "qcow2"
	}
	if data.Machine == "" {
		data.Machine = "pc"
	}
	if data.Network == "" {
		data.Network = "default"
	}
	if data.NetworkModel == "" {
		data.NetworkModel = "rtl8139"
	}
	if data.Video == "" {
		data.Video = "vga"
	}
	return data, nil
}

// RenderDomainXML produces the libvirt definition of spec.
func RenderDomainXML(spec Spec) (string, error) {
	data, err := buildDomainTemplateData(spec)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New("domain").Parse(domainTemplate)
	if err != nil {
		return "", fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute domain template: %w", err)
	}
	return buf.String(), nil
}

// Run starts a domain from its definition and blocks until the guest powers
// itself off. The domain is destroyed when ctx ends first.
func Run(ctx context.Context, hv Hypervisor, domainXML string, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dom, err := hv.Start(ctx, domainXML)
	if err != nil {
		return fmt.Errorf("start domain: %w", err)
	}
	defer dom.Close()

	logger = logger.With("domain", dom.Name())
	logger.Info("domain started")
	started := time.Now()
	if err := Wait(ctx, dom, interval); err != nil {
		return err
	}
	logger.Info("domain powered off", "elapsed", humanize.RelTime(started, time.Now(), "", ""))
	return nil
}

// Wait polls dom until it stops running. A crashed guest is destroyed and
// reported as ErrGuestCrashed.
func Wait(ctx context.Context, dom Domain, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		running, err := dom.Running()
		if errors.Is(err, ErrGuestCrashed) {
			err = fmt.Errorf("domain %s: %w", dom.Name(), err)
			if derr := dom.Destroy(); derr != nil {
				return errors.Join(err, fmt.Errorf("destroy domain %s: %w", dom.Name(), derr))
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("query domain %s: %w", dom.Name(), err)
		}
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := dom.Destroy(); err != nil {
				return errors.Join(ctx.Err(), fmt.Errorf("destroy domain %s: %w", dom.Name(), err))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
