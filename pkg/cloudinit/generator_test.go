package cloudinit

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

func testSSHKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("convert key: %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

func TestGenerateMetaData(t *testing.T) {
	gen := NewGenerator()

	metaData, err := gen.GenerateMetaData("test-server")
	if err != nil {
		t.Fatalf("Failed to generate meta-data: %v", err)
	}

	if !strings.Contains(metaData, "instance-id: i-") {
		t.Error("Missing instance-id field")
	}
	if !strings.Contains(metaData, "local-hostname: test-server") {
		t.Error("Missing or incorrect local-hostname field")
	}
}

func TestValidateSSHKeys(t *testing.T) {
	key := testSSHKey(t, "ops@example")

	keys, err := ValidateSSHKeys([]string{key, "  ", "\n" + key + "\n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0] != key {
		t.Errorf("key not normalized: %q", keys[0])
	}

	if _, err := ValidateSSHKeys([]string{"ssh-rsa not-base64"}); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestDockerHost(t *testing.T) {
	gen := NewGenerator()
	key := testSSHKey(t, "ops")

	userData, err := gen.DockerHost(&DockerHostOptions{
		Hostname:  "host-1",
		SSHKeys:   []string{key},
		Token:     "tok",
		PullImage: "assistant:latest",
	})
	if err != nil {
		t.Fatalf("Failed to generate user-data: %v", err)
	}
	if !strings.HasPrefix(userData, "#cloud-config\n") {
		t.Error("Missing #cloud-config header")
	}

	var parsed UserData
	if err := yaml.Unmarshal([]byte(strings.TrimPrefix(userData, "#cloud-config\n")), &parsed); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}
	if parsed.Hostname != "host-1" {
		t.Errorf("hostname = %q", parsed.Hostname)
	}
	if len(parsed.WriteFiles) != 1 || !strings.Contains(parsed.WriteFiles[0].Content, `"Bearer tok"`) {
		t.Error("nginx config missing token check")
	}
	if !strings.Contains(parsed.WriteFiles[0].Content, "listen 2375;") {
		t.Error("nginx config missing default port")
	}
	if parsed.RunCmd[len(parsed.RunCmd)-1] != "docker pull assistant:latest" {
		t.Errorf("last runcmd = %q", parsed.RunCmd[len(parsed.RunCmd)-1])
	}
	if !strings.Contains(userData, key) {
		t.Error("ssh key not written")
	}

	if _, err := gen.DockerHost(&DockerHostOptions{}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := gen.DockerHost(&DockerHostOptions{Token: "t", SSHKeys: []string{"garbage"}}); err == nil {
		t.Error("expected error for invalid ssh key")
	}
}

func TestAssistantVM(t *testing.T) {
	gen := NewGenerator()

	userData, err := gen.AssistantVM(&AssistantVMOptions{
		Hostname:        "srv-1",
		Image:           "assistant:1.2",
		Env:             map[string]string{"TENANT_ID": "t-1", "API_KEY": "k"},
		ConsolePassword: "console-pass",
	})
	if err != nil {
		t.Fatalf("Failed to generate user-data: %v", err)
	}

	// users 首项为 "default" 字符串，第二项为运维用户
	var parsed struct {
		Users      []any       `yaml:"users"`
		WriteFiles []WriteFile `yaml:"write_files"`
		RunCmd     []string    `yaml:"runcmd"`
	}
	if err := yaml.Unmarshal([]byte(strings.TrimPrefix(userData, "#cloud-config\n")), &parsed); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}
	if len(parsed.Users) != 2 || parsed.Users[0] != "default" {
		t.Fatalf("unexpected users: %v", parsed.Users)
	}
	ops, ok := parsed.Users[1].(map[string]any)
	if !ok {
		t.Fatalf("unexpected user entry: %T", parsed.Users[1])
	}
	hash, _ := ops["passwd"].(string)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("console-pass")); err != nil {
		t.Errorf("password hash mismatch: %v", err)
	}
	if ops["lock_passwd"] != false {
		t.Errorf("lock_passwd = %v", ops["lock_passwd"])
	}
	if parsed.WriteFiles[0].Content != "API_KEY=k\nTENANT_ID=t-1\n" {
		t.Errorf("env file = %q", parsed.WriteFiles[0].Content)
	}
	if !strings.HasSuffix(parsed.RunCmd[1], "-p 8080:8080 assistant:1.2") {
		t.Errorf("docker run = %q", parsed.RunCmd[1])
	}

	if _, err := gen.AssistantVM(&AssistantVMOptions{}); err == nil {
		t.Error("expected error without image")
	}
}

func TestHashPassword(t *testing.T) {
	hashed, err := HashPassword("testpassword123")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	if !strings.HasPrefix(hashed, "$2a$") {
		t.Errorf("Invalid bcrypt hash format: %s", hashed)
	}
}

func TestISOBuilderPath(t *testing.T) {
	b := NewISOBuilder(t.TempDir())
	if !strings.HasSuffix(b.ISOPath("srv-1"), "/srv-1-cidata.iso") {
		t.Errorf("iso path = %s", b.ISOPath("srv-1"))
	}
	if err := b.CleanupISO("missing"); err != nil {
		t.Errorf("cleanup of missing iso: %v", err)
	}
	if _, err := b.BuildISO("", "h", "#cloud-config\n"); err == nil {
		t.Error("expected error without name")
	}
}
