package cloudinit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ISOBuilder cloud-init NoCloud ISO 构建器，供 libvirt 虚拟机挂载
type ISOBuilder struct {
	generator *Generator
	outputDir string
}

// NewISOBuilder 创建 ISO 构建器，ISO 输出到 outputDir
func NewISOBuilder(outputDir string) *ISOBuilder {
	if outputDir == "" {
		outputDir = "/var/lib/assistd/cidata"
	}
	return &ISOBuilder{
		generator: NewGenerator(),
		outputDir: outputDir,
	}
}

// BuildISO 生成 cloud-init ISO 镜像，返回 ISO 文件路径
func (b *ISOBuilder) BuildISO(name, hostname, userData string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name is required")
	}

	tmpDir, err := os.MkdirTemp("", "cloudinit-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %v", err)
	}
	defer func() {
		_ = os.RemoveAll(tmpDir)
	}()

	metaData, err := b.generator.GenerateMetaData(hostname)
	if err != nil {
		return "", fmt.Errorf("failed to generate meta-data: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "meta-data"), []byte(metaData), 0o600); err != nil {
		return "", fmt.Errorf("failed to write meta-data: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "user-data"), []byte(userData), 0o600); err != nil {
		return "", fmt.Errorf("failed to write user-data: %v", err)
	}

	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %v", err)
	}
	isoPath := b.ISOPath(name)

	tool := ""
	for _, candidate := range []string{"genisoimage", "mkisofs"} {
		if _, err := exec.LookPath(candidate); err == nil {
			tool = candidate
			break
		}
	}
	if tool == "" {
		return "", fmt.Errorf("neither genisoimage nor mkisofs found, please install one of them")
	}

	cmd := exec.Command(tool, "-output", isoPath, "-volid", "cidata", "-joliet", "-rock", tmpDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to create ISO: %w, output: %s", err, string(output))
	}

	return isoPath, nil
}

// CleanupISO 删除 cloud-init ISO 文件，文件不存在不报错
func (b *ISOBuilder) CleanupISO(name string) error {
	if err := os.Remove(b.ISOPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cloud-init ISO: %v", err)
	}
	return nil
}

// ISOPath 获取 cloud-init ISO 路径
func (b *ISOBuilder) ISOPath(name string) string {
	return filepath.Join(b.outputDir, fmt.Sprintf("%s-cidata.iso", name))
}
