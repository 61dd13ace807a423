package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram_bot_token: "123:abc"
telegram_chat_id: 4242
check_interval_seconds: 120
models:
  - query: "iPhone 13"
    category_id: "173"
    deviation_threshold: 0.2
    min_price_delta: 100
    min_price: 200
    max_price: 900
    match_keywords: ["iphone", "13"]
database:
  driver: sqlite
  path: /tmp/kleinsniper-test.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.TelegramChatID != 4242 || cfg.TelegramBotToken != "123:abc" {
		t.Fatalf("telegram 配置未加载: %+v", cfg)
	}
	if cfg.CheckInterval() != 2*time.Minute {
		t.Fatalf("轮询间隔不正确: %v", cfg.CheckInterval())
	}
	if len(cfg.Models) != 1 {
		t.Fatalf("模型数量不正确: %d", len(cfg.Models))
	}
	m := cfg.Models[0]
	if m.MinPriceDelta != 100 || m.MaxPrice != 900 || m.DeviationThreshold != 0.2 {
		t.Fatalf("模型解析错误: %+v", m)
	}
	if cfg.Detection.MinSamples != 2 || cfg.Detection.PruneAfterMisses != 1 {
		t.Fatalf("缺少 detection 默认值: %+v", cfg.Detection)
	}
	if cfg.Fetch.RequestTimeout != 15*time.Second || cfg.Fetch.Retry.MaxAttempts != 3 {
		t.Fatalf("缺少 fetch 默认值: %+v", cfg.Fetch)
	}
	if _, ok := cfg.FindModel("iphone 13"); !ok {
		t.Fatal("FindModel 应忽略大小写匹配 query")
	}
	if _, ok := cfg.FindModel(m.Identity()); !ok {
		t.Fatal("FindModel 应匹配 identity")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("KLEINSNIPER_TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("KLEINSNIPER_DETECTION_PRUNE_AFTER_MISSES", "3")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.TelegramBotToken != "999:env" {
		t.Fatalf("token = %q, 期望环境变量的值", cfg.TelegramBotToken)
	}
	if cfg.Detection.PruneAfterMisses != 3 {
		t.Fatalf("prune_after_misses = %d, 期望 3", cfg.Detection.PruneAfterMisses)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleYAML+"\nunexpected_key: 1\n"))
	if err == nil {
		t.Fatal("未知字段应导致解析失败")
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	noDelta := strings.Replace(sampleYAML, "    min_price_delta: 100\n", "", 1)
	if noDelta == sampleYAML {
		t.Fatal("样例配置应包含 min_price_delta")
	}
	_, err := Load(writeConfig(t, noDelta))
	if err == nil || !strings.Contains(err.Error(), "min_price_delta") {
		t.Fatalf("模型缺少 min_price_delta 时应报错, 实际 %v", err)
	}

	noInterval := strings.Replace(sampleYAML, "check_interval_seconds: 120\n", "", 1)
	_, err = Load(writeConfig(t, noInterval))
	if err == nil || !strings.Contains(err.Error(), "check_interval_seconds") {
		t.Fatalf("缺少 check_interval_seconds 时应报错, 实际 %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("显式指定的配置文件不存在时应报错")
	}
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		if err != nil {
			t.Fatalf("加载配置失败: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.TelegramBotToken = "" }, "telegram_bot_token"},
		{"missing chat", func(c *Config) { c.TelegramChatID = 0 }, "telegram_chat_id"},
		{"telegram disabled", func(c *Config) { c.Telegram.Enabled = false; c.TelegramBotToken = "" }, ""},
		{"no models", func(c *Config) { c.Models = nil }, "models"},
		{"bad threshold", func(c *Config) { c.Models[0].DeviationThreshold = 1.5 }, "deviation_threshold"},
		{"inverted bounds", func(c *Config) { c.Models[0].MinPrice = 1000 }, "min_price"},
		{"duplicate model", func(c *Config) { c.Models = append(c.Models, c.Models[0]) }, "duplicates"},
		{"zero interval", func(c *Config) { c.CheckIntervalSeconds = 0 }, "check_interval_seconds"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"redis lock without url", func(c *Config) { c.Scheduler.DistributedLock = "redis" }, "redis.url"},
		{"pg lock on sqlite", func(c *Config) { c.Scheduler.DistributedLock = "postgres" }, "requires database.driver"},
		{"min samples", func(c *Config) { c.Detection.MinSamples = 1 }, "min_samples"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("不应报错: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("错误 = %v, 期望提及 %q", err, tc.want)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if cfg.ResolveMaxPoints(0) != 50 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("参数大于 0 时应覆盖默认值")
	}
}
