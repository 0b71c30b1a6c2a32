// Package cloudinit 生成实例首次启动使用的 cloud-init 配置
package cloudinit

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Generator cloud-init 配置生成器
type Generator struct{}

// NewGenerator 创建新的 cloud-init 生成器
func NewGenerator() *Generator {
	return &Generator{}
}

// GenerateMetaData 生成 meta-data 文件内容
func (g *Generator) GenerateMetaData(hostname string) (string, error) {
	if hostname == "" {
		hostname = "localhost"
	}

	instanceID, err := generateInstanceID()
	if err != nil {
		return "", err
	}

	yamlData, err := yaml.Marshal(&MetaData{
		InstanceID:    instanceID,
		LocalHostname: hostname,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %v", err)
	}

	return string(yamlData), nil
}

// GenerateUserData 从 UserData 结构生成 user-data 文件内容
func (g *Generator) GenerateUserData(userData *UserData) (string, error) {
	if userData == nil {
		return "", fmt.Errorf("userData is required")
	}

	yamlData, err := yaml.Marshal(userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %v", err)
	}

	return "#cloud-config\n" + string(yamlData), nil
}

// HashPassword 使用 bcrypt 加密密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// generateInstanceID 生成随机的 instance-id
func generateInstanceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("i-%x", b), nil
}
