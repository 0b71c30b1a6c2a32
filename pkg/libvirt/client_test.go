package libvirt

import (
	"encoding/xml"
	"errors"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		size    string
		vcpus   int
		memMiB  uint64
		wantErr bool
	}{
		{size: "s-1vcpu-2gb", vcpus: 1, memMiB: 2048},
		{size: "s-4vcpu-8gb", vcpus: 4, memMiB: 8192},
		{size: "s-0vcpu-8gb", wantErr: true},
		{size: "large", wantErr: true},
		{size: "", wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.size, func(t *testing.T) {
			t.Parallel()
			vcpus, mem, err := ParseSize(tc.size)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.vcpus, vcpus)
			assert.Equal(t, tc.memMiB, mem)
		})
	}
}

func TestBuildDomainXML(t *testing.T) {
	t.Parallel()

	dom := buildDomainXML(&domainParams{
		Name:      "srv-1",
		VCPUs:     2,
		MemoryMiB: 4096,
		DiskPath:  "/var/lib/libvirt/images/srv-1.qcow2",
		ISOPath:   "/var/lib/assistd/cidata/srv-1-cidata.iso",
	})
	data, err := xml.MarshalIndent(dom, "", "  ")
	require.NoError(t, err)

	var parsed DomainXML
	require.NoError(t, xml.Unmarshal(data, &parsed))
	assert.Equal(t, "kvm", parsed.Type)
	assert.Equal(t, "srv-1", parsed.Name)
	assert.Equal(t, uint64(4096), parsed.Memory.Value)
	assert.Equal(t, "MiB", parsed.Memory.Unit)
	assert.Equal(t, 2, parsed.VCPU.Value)
	require.Len(t, parsed.Devices.Disks, 2)
	assert.Equal(t, "vda", parsed.Devices.Disks[0].Target.Dev)
	assert.Equal(t, "cdrom", parsed.Devices.Disks[1].Device)
	assert.NotNil(t, parsed.Devices.Disks[1].ReadOnly)
	require.Len(t, parsed.Devices.Interfaces, 1)
	assert.Equal(t, "default", parsed.Devices.Interfaces[0].Source.Network)
	assert.Equal(t, "org.qemu.guest_agent.0", parsed.Devices.Channels[0].Target.Name)
	assert.Contains(t, string(data), "<acpi></acpi>")

	noISO := buildDomainXML(&domainParams{Name: "srv-2", VCPUs: 1, MemoryMiB: 1024, DiskPath: "/d", Network: "assist"})
	assert.Len(t, noISO.Devices.Disks, 1)
	assert.Equal(t, "assist", noISO.Devices.Interfaces[0].Source.Network)
}

func TestBuildOverlayVolumeXML(t *testing.T) {
	t.Parallel()

	data, err := xml.Marshal(buildOverlayVolumeXML("srv-1.qcow2", "/images/base.qcow2", 20))
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `<name>srv-1.qcow2</name>`)
	assert.Contains(t, s, `<capacity unit="G">20</capacity>`)
	assert.Contains(t, s, `<backingStore><path>/images/base.qcow2</path><format type="qcow2"></format></backingStore>`)

	data, err = xml.Marshal(buildOverlayVolumeXML("srv-2.qcow2", "", 10))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "backingStore")
}

func TestMapDomainState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, provisioner.StatusActive, mapDomainState(libvirt.DomainRunning))
	assert.Equal(t, provisioner.StatusStopped, mapDomainState(libvirt.DomainShutoff))
	assert.Equal(t, provisioner.StatusError, mapDomainState(libvirt.DomainCrashed))
	assert.Equal(t, provisioner.StatusUnknown, mapDomainState(libvirt.DomainNostate))
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	assert.False(t, isNotFound(nil))
	assert.True(t, isNotFound(errors.New("Domain not found: no domain with matching name 'srv-1'")))
	assert.True(t, isNotFound(errors.New("Storage volume not found: no storage vol with matching path")))
	assert.False(t, isNotFound(errors.New("connection reset by peer")))
}

func TestLabelsDescription(t *testing.T) {
	t.Parallel()

	assert.Empty(t, labelsDescription(nil))
	assert.Equal(t, "server=srv-1,tenant=t-1", labelsDescription(map[string]string{"tenant": "t-1", "server": "srv-1"}))
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	c := New(Config{ISODir: t.TempDir()})
	assert.Equal(t, "qemu:///system", c.cfg.URI)
	assert.Equal(t, "default", c.cfg.Pool)
	assert.Equal(t, uint64(20), c.cfg.DiskGB)
	assert.NoError(t, c.Close())
}
