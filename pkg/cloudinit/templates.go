package cloudinit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

const opsUser = "ops"

// ValidateSSHKeys 校验 authorized_keys 格式的公钥，返回规范化后的公钥列表
func ValidateSSHKeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for i, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("invalid ssh key #%d: %w", i, err)
		}
		line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
		if comment != "" {
			line += " " + comment
		}
		out = append(out, line)
	}
	return out, nil
}

// DockerHostOptions 共享 Docker 主机的初始化参数
type DockerHostOptions struct {
	Hostname string
	SSHKeys  []string
	// APIPort 对外暴露的 Docker API 端口，由 nginx 校验 Bearer Token 后转发到本地 socket
	APIPort int
	Token   string
	// PullImage 预拉取的助手镜像
	PullImage string
}

// AssistantVMOptions 独享虚拟机的初始化参数
type AssistantVMOptions struct {
	Hostname string
	SSHKeys  []string
	Image    string
	Port     int
	Env      map[string]string
	// ConsolePassword 非空时为运维用户设置控制台密码（SSH 仍只允许公钥）
	ConsolePassword string
}

func opsUserConfig(keys []string, password string) (User, error) {
	validated, err := ValidateSSHKeys(keys)
	if err != nil {
		return User{}, err
	}
	lock := password == ""
	u := User{
		Name:              opsUser,
		Groups:            "sudo",
		Shell:             "/bin/bash",
		Sudo:              []string{"ALL=(ALL) NOPASSWD:ALL"},
		LockPasswd:        &lock,
		SSHAuthorizedKeys: validated,
	}
	if password != "" {
		hashed, err := HashPassword(password)
		if err != nil {
			return User{}, fmt.Errorf("failed to hash console password: %v", err)
		}
		u.Passwd = hashed
	}
	return u, nil
}

// DockerHost 生成共享 Docker 主机的 user-data
func (g *Generator) DockerHost(opts *DockerHostOptions) (string, error) {
	if opts.Token == "" {
		return "", fmt.Errorf("docker api token is required")
	}
	port := opts.APIPort
	if port == 0 {
		port = 2375
	}
	user, err := opsUserConfig(opts.SSHKeys, "")
	if err != nil {
		return "", err
	}

	nginxConf := fmt.Sprintf(`server {
    listen %d;
    location / {
        if ($http_authorization != "Bearer %s") {
            return 401;
        }
        proxy_pass http://unix:/var/run/docker.sock:;
        proxy_read_timeout 300s;
    }
}
`, port, opts.Token)

	pwauth := false
	ud := &UserData{
		Hostname:      opts.Hostname,
		Users:         []any{"default", user},
		DisableRoot:   true,
		SSHPwauth:     &pwauth,
		PackageUpdate: true,
		Packages:      []string{"docker.io", "nginx"},
		WriteFiles: []WriteFile{
			{
				Path:        "/etc/nginx/sites-enabled/docker-api",
				Content:     nginxConf,
				Owner:       "root:root",
				Permissions: "0600",
			},
		},
		RunCmd: []string{
			"usermod -aG docker www-data",
			"rm -f /etc/nginx/sites-enabled/default",
			"systemctl enable --now docker",
			"systemctl restart nginx",
		},
		FinalMessage: "docker host ready",
	}
	if opts.PullImage != "" {
		ud.RunCmd = append(ud.RunCmd, "docker pull "+opts.PullImage)
	}
	return g.GenerateUserData(ud)
}

// AssistantVM 生成独享虚拟机的 user-data：安装 Docker 并以容器方式运行助手
func (g *Generator) AssistantVM(opts *AssistantVMOptions) (string, error) {
	if opts.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	user, err := opsUserConfig(opts.SSHKeys, opts.ConsolePassword)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var env strings.Builder
	for _, k := range keys {
		env.WriteString(k + "=" + opts.Env[k] + "\n")
	}

	pwauth := false
	portArg := strconv.Itoa(port)
	ud := &UserData{
		Hostname:      opts.Hostname,
		Users:         []any{"default", user},
		DisableRoot:   true,
		SSHPwauth:     &pwauth,
		PackageUpdate: true,
		Packages:      []string{"docker.io"},
		WriteFiles: []WriteFile{
			{
				Path:        "/etc/assistant/env",
				Content:     env.String(),
				Owner:       "root:root",
				Permissions: "0600",
			},
		},
		RunCmd: []string{
			"systemctl enable --now docker",
			"docker run -d --name assistant --restart unless-stopped --env-file /etc/assistant/env -p " +
				portArg + ":" + portArg + " " + opts.Image,
		},
		FinalMessage: "assistant ready",
	}
	return g.GenerateUserData(ud)
}
