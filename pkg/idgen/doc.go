// Package idgen 提供递增 ID 生成器
//
// 使用 Sonyflake 生成全局唯一且按时间递增的 ID，资源 ID 带类型前缀：
//   - 服务器: srv-{递增数字}
//   - Docker 主机: host-{递增数字}
//
// 使用方式：
//
//	serverID, err := idgen.GenerateServerID()
//	// serverID: "srv-1234567890"
//
//	gen := idgen.New()
//	hostID, err := gen.GenerateHostID()
package idgen
