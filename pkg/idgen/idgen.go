package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// 资源 ID 前缀
const (
	PrefixServer = "srv"
	PrefixHost   = "host"
)

// Generator 基于 Sonyflake 的递增 ID 生成器
type Generator struct {
	sf *sonyflake.Sonyflake
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// DefaultGenerator 返回进程级共享的生成器
func DefaultGenerator() *Generator {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = New()
	})
	return defaultGenerator
}

// New 创建新的 ID 生成器
func New() *Generator {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if sf == nil {
		// 获取不到私有 IP 作为机器 ID 时退化为固定机器 ID
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			MachineID: func() (uint16, error) { return 1, nil },
		})
	}
	return &Generator{sf: sf}
}

// NewID 生成带前缀的 ID，格式：{prefix}-{递增数字}
func (g *Generator) NewID(prefix string) (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("generate %s ID: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%d", prefix, id), nil
}

// GenerateServerID 生成服务器 ID（srv-{递增 ID}）
func (g *Generator) GenerateServerID() (string, error) {
	return g.NewID(PrefixServer)
}

// GenerateHostID 生成 Docker 主机 ID（host-{递增 ID}）
func (g *Generator) GenerateHostID() (string, error) {
	return g.NewID(PrefixHost)
}

// GenerateID 生成无前缀的递增 ID
func (g *Generator) GenerateID() (uint64, error) {
	return g.sf.NextID()
}

// GenerateServerID 使用默认生成器生成服务器 ID
func GenerateServerID() (string, error) {
	return DefaultGenerator().GenerateServerID()
}

// GenerateHostID 使用默认生成器生成主机 ID
func GenerateHostID() (string, error) {
	return DefaultGenerator().GenerateHostID()
}

// GenerateID 使用默认生成器生成无前缀 ID
func GenerateID() (uint64, error) {
	return DefaultGenerator().GenerateID()
}
