package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// playerSite 是多数用例共享的 [[Site]] 段。
const playerSite = `
[[Site]]
Name = "player"
Domain = "player.local"
Upstream = "https://radio.example.com"
`

// fixture 返回 testdata 下的配置样例路径，样例缺失时直接失败。
func fixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例 %s 不存在: %v", name, err)
	}
	return path
}

// inlineConfig 把 TOML 片段写入临时 config.toml 并返回路径。
func inlineConfig(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := strings.TrimSpace(strings.Join(parts, "\n")) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
