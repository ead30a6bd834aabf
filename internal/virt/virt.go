// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package virt hands images to qemu guests managed by libvirt. Qemu opens the
// image through its rbd block driver, which is linked against this client.
package virt

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"libvirt.org/go/libvirtxml"
)

const (
	DefaultSocket  = "/var/run/libvirt/libvirt-sock"
	DefaultTarget  = "vdb"
	defaultTimeout = 5 * time.Second
)

// Disk describes an image as a guest disk.
type Disk struct {
	// Image name. It is the bucket name for the s3 backend.
	Image string

	// Monitor address as host or host:port.
	Monitor string

	// Guest device name, vdb when empty.
	Target string

	ReadOnly bool
}

// DiskXML returns the libvirt device XML of d.
func DiskXML(d Disk) (string, error) {
	if d.Image == "" {
		return "", fmt.Errorf("disk without image name")
	}

	target := d.Target
	if target == "" {
		target = DefaultTarget
	}

	host, err := monitorHost(d.Monitor)
	if err != nil {
		return "", err
	}

	disk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "raw",
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{
			Network: &libvirtxml.DomainDiskSourceNetwork{
				Protocol: "rbd",
				Name:     d.Image,
				Hosts:    []libvirtxml.DomainDiskSourceHost{host},
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: target,
			Bus: "virtio",
		},
	}

	if d.ReadOnly {
		disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
	}

	return disk.Marshal()
}

func monitorHost(monitor string) (libvirtxml.DomainDiskSourceHost, error) {
	if monitor == "" {
		return libvirtxml.DomainDiskSourceHost{}, fmt.Errorf("disk without monitor address")
	}

	host, port, err := net.SplitHostPort(monitor)
	if err != nil {
		// No port given.
		return libvirtxml.DomainDiskSourceHost{Name: monitor}, nil
	}

	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return libvirtxml.DomainDiskSourceHost{}, fmt.Errorf("monitor %q: invalid port", monitor)
	}

	return libvirtxml.DomainDiskSourceHost{Name: host, Port: port}, nil
}

// Attach hot-plugs the device described by xml into the running domain. With
// persistent the device is also added to the domain definition.
func Attach(socket, domain, xml string, persistent bool) error {
	if socket == "" {
		socket = DefaultSocket
	}

	l := libvirt.NewWithDialer(dialers.NewLocal(
		dialers.WithSocket(socket),
		dialers.WithLocalTimeout(defaultTimeout),
	))
	if err := l.Connect(); err != nil {
		return fmt.Errorf("connecting to libvirt at %s: %w", socket, err)
	}
	defer l.Disconnect()

	dom, err := l.DomainLookupByName(domain)
	if err != nil {
		return fmt.Errorf("looking up domain %s: %w", domain, err)
	}

	flags := libvirt.DomainDeviceModifyLive
	if persistent {
		flags |= libvirt.DomainDeviceModifyConfig
	}

	if err := l.DomainAttachDeviceFlags(dom, xml, uint32(flags)); err != nil {
		return fmt.Errorf("attaching disk to %s: %w", domain, err)
	}

	return nil
}
