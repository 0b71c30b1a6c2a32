package cloudinit

// MetaData 标准的 cloud-init meta-data 结构
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname,omitempty"`
}

// UserData 标准的 cloud-init user-data 结构（#cloud-config）
//
// 示例：
//
//	userData := &cloudinit.UserData{
//	    Users:    []any{"default", cloudinit.User{Name: "ops", Groups: "sudo"}},
//	    Packages: []string{"docker.io"},
//	}
type UserData struct {
	Hostname      string      `yaml:"hostname,omitempty"`
	Users         []any       `yaml:"users,omitempty"` // 可包含 "default" 字符串和 User 对象
	DisableRoot   bool        `yaml:"disable_root,omitempty"`
	SSHPwauth     *bool       `yaml:"ssh_pwauth,omitempty"`
	Timezone      string      `yaml:"timezone,omitempty"`
	PackageUpdate bool        `yaml:"package_update,omitempty"`
	Packages      []string    `yaml:"packages,omitempty"`
	WriteFiles    []WriteFile `yaml:"write_files,omitempty"`
	RunCmd        []string    `yaml:"runcmd,omitempty"`
	FinalMessage  string      `yaml:"final_message,omitempty"`
}

// User cloud-init 用户配置
type User struct {
	Name              string   `yaml:"name"`
	Groups            string   `yaml:"groups,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	Sudo              []string `yaml:"sudo,omitempty"`
	LockPasswd        *bool    `yaml:"lock_passwd,omitempty"`
	Passwd            string   `yaml:"passwd,omitempty"` // 密码哈希
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// WriteFile cloud-init 写入文件配置
type WriteFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Owner       string `yaml:"owner,omitempty"`
	Permissions string `yaml:"permissions,omitempty"`
	Encoding    string `yaml:"encoding,omitempty"` // b64, gzip, gz+b64
	Defer       bool   `yaml:"defer,omitempty"`
}
