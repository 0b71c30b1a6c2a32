package libvirt

import "encoding/xml"

// DomainXML 虚拟机域定义
// Reference: https://libvirt.org/formatdomain.html
type DomainXML struct {
	XMLName       xml.Name        `xml:"domain"`
	Type          string          `xml:"type,attr"`
	Name          string          `xml:"name"`
	Description   string          `xml:"description,omitempty"`
	Memory        DomainMemory    `xml:"memory"`
	CurrentMemory DomainMemory    `xml:"currentMemory"`
	VCPU          DomainVCPU      `xml:"vcpu"`
	OS            DomainOS        `xml:"os"`
	Features      *DomainFeatures `xml:"features,omitempty"`
	CPU           *DomainCPU      `xml:"cpu,omitempty"`
	Clock         *DomainClock    `xml:"clock,omitempty"`
	OnPoweroff    string          `xml:"on_poweroff,omitempty"`
	OnReboot      string          `xml:"on_reboot,omitempty"`
	OnCrash       string          `xml:"on_crash,omitempty"`
	Devices       DomainDevices   `xml:"devices"`
}

type DomainMemory struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type DomainVCPU struct {
	Placement string `xml:"placement,attr"`
	Value     int    `xml:",chardata"`
}

type DomainOS struct {
	Type DomainOSType `xml:"type"`
	Boot DomainBoot   `xml:"boot"`
}

type DomainOSType struct {
	Arch  string `xml:"arch,attr"`
	Value string `xml:",chardata"`
}

type DomainBoot struct {
	Dev string `xml:"dev,attr"`
}

type DomainFeatures struct {
	ACPI *struct{} `xml:"acpi,omitempty"`
	APIC *struct{} `xml:"apic,omitempty"`
}

type DomainCPU struct {
	Mode string `xml:"mode,attr"` // host-passthrough, host-model
}

type DomainClock struct {
	Offset string `xml:"offset,attr"`
}

type DomainDevices struct {
	Disks      []DomainDisk      `xml:"disk"`
	Interfaces []DomainInterface `xml:"interface"`
	Serial     *DomainSerial     `xml:"serial,omitempty"`
	Console    *DomainConsole    `xml:"console,omitempty"`
	Channels   []DomainChannel   `xml:"channel,omitempty"`
	RNG        *DomainRNG        `xml:"rng,omitempty"`
}

type DomainDisk struct {
	Type     string           `xml:"type,attr"`
	Device   string           `xml:"device,attr"`
	Driver   DomainDiskDriver `xml:"driver"`
	Source   DomainDiskSource `xml:"source"`
	Target   DomainDiskTarget `xml:"target"`
	ReadOnly *struct{}        `xml:"readonly,omitempty"`
}

type DomainDiskDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type DomainDiskSource struct {
	File string `xml:"file,attr,omitempty"`
}

type DomainDiskTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type DomainInterface struct {
	Type   string                `xml:"type,attr"`
	Source DomainInterfaceSource `xml:"source"`
	Model  DomainInterfaceModel  `xml:"model"`
}

type DomainInterfaceSource struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
}

type DomainInterfaceModel struct {
	Type string `xml:"type,attr"`
}

type DomainSerial struct {
	Type   string      `xml:"type,attr"`
	Target *DomainPort `xml:"target,omitempty"`
}

type DomainConsole struct {
	Type   string              `xml:"type,attr"`
	Target DomainConsoleTarget `xml:"target"`
}

type DomainConsoleTarget struct {
	Type string `xml:"type,attr"`
	Port int    `xml:"port,attr"`
}

type DomainPort struct {
	Port int `xml:"port,attr"`
}

// DomainChannel qemu guest agent 通道
type DomainChannel struct {
	Type   string              `xml:"type,attr"`
	Target DomainChannelTarget `xml:"target"`
}

type DomainChannelTarget struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name,attr"`
}

type DomainRNG struct {
	Model   string           `xml:"model,attr"`
	Backend DomainRNGBackend `xml:"backend"`
}

type DomainRNGBackend struct {
	Model string `xml:"model,attr"`
	Value string `xml:",chardata"`
}

// VolumeXML 存储卷定义
// Reference: https://libvirt.org/formatstorage.html#StorageVol
type VolumeXML struct {
	XMLName      xml.Name            `xml:"volume"`
	Type         string              `xml:"type,attr"`
	Name         string              `xml:"name"`
	Capacity     VolumeSize          `xml:"capacity"`
	Target       VolumeTarget        `xml:"target"`
	BackingStore *VolumeBackingStore `xml:"backingStore,omitempty"`
}

type VolumeSize struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type VolumeTarget struct {
	Format VolumeFormat `xml:"format"`
}

type VolumeFormat struct {
	Type string `xml:"type,attr"`
}

// VolumeBackingStore 基础镜像，虚拟机磁盘以 qcow2 overlay 方式引用
type VolumeBackingStore struct {
	Path   string       `xml:"path"`
	Format VolumeFormat `xml:"format"`
}
