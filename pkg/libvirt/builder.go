package libvirt

import (
	"fmt"
	"regexp"
	"strconv"
)

// sizePattern 规格格式：s-{vcpu}vcpu-{内存}gb，与云厂商规格名保持一致
var sizePattern = regexp.MustCompile(`^s-(\d+)vcpu-(\d+)gb$`)

// ParseSize 解析规格名，返回 vCPU 数与内存（MiB）
func ParseSize(size string) (int, uint64, error) {
	m := sizePattern.FindStringSubmatch(size)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid size %q, expect s-{n}vcpu-{m}gb", size)
	}
	vcpus, _ := strconv.Atoi(m[1])
	memGB, _ := strconv.ParseUint(m[2], 10, 64)
	if vcpus == 0 || memGB == 0 {
		return 0, 0, fmt.Errorf("invalid size %q", size)
	}
	return vcpus, memGB * 1024, nil
}

type domainParams struct {
	Name        string
	Description string
	VCPUs       int
	MemoryMiB   uint64
	DiskPath    string
	ISOPath     string
	Network     string
}

func buildDomainXML(p *domainParams) *DomainXML {
	disks := []DomainDisk{
		{
			Type:   "file",
			Device: "disk",
			Driver: DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: DomainDiskSource{File: p.DiskPath},
			Target: DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		},
	}
	if p.ISOPath != "" {
		disks = append(disks, DomainDisk{
			Type:     "file",
			Device:   "cdrom",
			Driver:   DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source:   DomainDiskSource{File: p.ISOPath},
			Target:   DomainDiskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &struct{}{},
		})
	}

	network := p.Network
	if network == "" {
		network = "default"
	}

	return &DomainXML{
		Type:          "kvm",
		Name:          p.Name,
		Description:   p.Description,
		Memory:        DomainMemory{Unit: "MiB", Value: p.MemoryMiB},
		CurrentMemory: DomainMemory{Unit: "MiB", Value: p.MemoryMiB},
		VCPU:          DomainVCPU{Placement: "static", Value: p.VCPUs},
		OS: DomainOS{
			Type: DomainOSType{Arch: "x86_64", Value: "hvm"},
			Boot: DomainBoot{Dev: "hd"},
		},
		Features:   &DomainFeatures{ACPI: &struct{}{}, APIC: &struct{}{}},
		CPU:        &DomainCPU{Mode: "host-passthrough"},
		Clock:      &DomainClock{Offset: "utc"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: DomainDevices{
			Disks: disks,
			Interfaces: []DomainInterface{
				{
					Type:   "network",
					Source: DomainInterfaceSource{Network: network},
					Model:  DomainInterfaceModel{Type: "virtio"},
				},
			},
			Serial:  &DomainSerial{Type: "pty", Target: &DomainPort{Port: 0}},
			Console: &DomainConsole{Type: "pty", Target: DomainConsoleTarget{Type: "serial", Port: 0}},
			Channels: []DomainChannel{
				{Type: "unix", Target: DomainChannelTarget{Type: "virtio", Name: "org.qemu.guest_agent.0"}},
			},
			RNG: &DomainRNG{Model: "virtio", Backend: DomainRNGBackend{Model: "random", Value: "/dev/urandom"}},
		},
	}
}

func buildOverlayVolumeXML(name, baseImage string, diskGB uint64) *VolumeXML {
	vol := &VolumeXML{
		Type:     "file",
		Name:     name,
		Capacity: VolumeSize{Unit: "G", Value: diskGB},
		Target:   VolumeTarget{Format: VolumeFormat{Type: "qcow2"}},
	}
	if baseImage != "" {
		vol.BackingStore = &VolumeBackingStore{
			Path:   baseImage,
			Format: VolumeFormat{Type: "qcow2"},
		}
	}
	return vol
}
