package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/pool"
)

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}

func TestLoadEffective_Defaults(t *testing.T) {
	cwd := t.TempDir()
	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigFile != "" {
		t.Fatalf("不应加载配置文件：%q", eff.ConfigFile)
	}
	if eff.Mode != pool.ModeParallel || eff.Scrape.Workers != 4 || eff.Scrape.MaxRetries != 2 {
		t.Fatalf("默认值不符合预期：%+v", eff)
	}
	if !reflect.DeepEqual(eff.Order, backend.DefaultOrder) {
		t.Fatalf("默认降级顺序不符合预期：%v", eff.Order)
	}
	if eff.OutDir != cwd {
		t.Fatalf("期望 out_dir=%q，实际=%q", cwd, eff.OutDir)
	}
	if eff.Scrape.Delay != 2*time.Second || eff.Listing.Workers != 10 {
		t.Fatalf("默认值不符合预期：%+v", eff.Config)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()
	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.yaml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_FileThenEnvThenCLI(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultFileName), []byte(`
out_dir: data
scrape:
  mode: sequential
  workers: 6
  backend: http
  delay: 3s
  rescrape: true
listing:
  max_pages: 3
`))
	t.Setenv("BOXD_SCRAPE__WORKERS", "8")
	t.Setenv("BOXD_LISTING__MAX_PAGES", "5")

	eff, err := LoadEffective(cwd, CLIArgs{
		Rescrape:    false,
		RescrapeSet: true, // --rescrape=false
		MaxPages:    2,
		MaxPagesSet: true,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigFile != filepath.Join(cwd, DefaultFileName) {
		t.Fatalf("期望加载默认配置文件，实际 %q", eff.ConfigFile)
	}
	if eff.Mode != pool.ModeSequential || eff.Scrape.Delay != 3*time.Second {
		t.Fatalf("配置文件值未生效：%+v", eff.Scrape)
	}
	if eff.Scrape.Workers != 8 {
		t.Fatalf("环境变量应覆盖配置文件，实际 workers=%d", eff.Scrape.Workers)
	}
	if eff.Listing.MaxPages != 2 || eff.Scrape.Rescrape {
		t.Fatalf("CLI 应覆盖环境变量与配置文件：%+v %+v", eff.Listing, eff.Scrape)
	}
	if eff.OutDir != filepath.Join(cwd, "data") {
		t.Fatalf("期望 out_dir 相对 cwd 解析，实际 %q", eff.OutDir)
	}
	want := []backend.Kind{backend.KindHTTP, backend.KindPooled, backend.KindAdHoc}
	if !reflect.DeepEqual(eff.Order, want) {
		t.Fatalf("期望 %v，实际 %v", want, eff.Order)
	}
}

func TestLoadEffective_Clamp(t *testing.T) {
	cwd := t.TempDir()
	eff, err := LoadEffective(cwd, CLIArgs{Workers: 100, WorkersSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Scrape.Workers != MaxWorkers {
		t.Fatalf("期望截断为 %d，实际 %d", MaxWorkers, eff.Scrape.Workers)
	}

	t.Setenv("BOXD_SCRAPE__MAX_RETRIES", "99")
	eff, err = LoadEffective(cwd, CLIArgs{Workers: 0, WorkersSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Scrape.Workers != MinWorkers || eff.Scrape.MaxRetries != MaxMaxRetries {
		t.Fatalf("截断结果不符合预期：%+v", eff.Scrape)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		cli  CLIArgs
	}{
		{name: "mode", cli: CLIArgs{Mode: "turbo", ModeSet: true}},
		{name: "backend", cli: CLIArgs{Backend: "curl", BackendSet: true}},
		{name: "max_films", cli: CLIArgs{MaxFilms: -1, MaxFilmsSet: true}},
		{name: "base_url", yaml: "base_url: ftp://letterboxd.com\n"},
		{name: "proxy", yaml: "http:\n  proxy_url: \"::bad\"\n"},
		{name: "log_format", yaml: "log:\n  format: xml\n"},
		{name: "server_addr", cli: CLIArgs{Addr: " ", AddrSet: true}},
		{name: "server_rate", yaml: "server:\n  scrapes_per_minute: -1\n"},
		{name: "broken_yaml", yaml: "scrape: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cwd := t.TempDir()
			if tc.yaml != "" {
				writeFile(t, filepath.Join(cwd, DefaultFileName), []byte(tc.yaml))
			}
			_, err := LoadEffective(cwd, tc.cli)
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
			}
		})
	}
}

func TestLoadEffective_Server(t *testing.T) {
	cwd := t.TempDir()
	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Server.Addr != "127.0.0.1:5005" || eff.Server.ScrapesPerMinute != 6 || !reflect.DeepEqual(eff.Server.CORSOrigins, []string{"*"}) {
		t.Fatalf("server 默认值不符合预期：%+v", eff.Server)
	}

	writeFile(t, filepath.Join(cwd, DefaultFileName), []byte(`
server:
  addr: 0.0.0.0:8080
  cors_origins: [https://example.org]
`))
	eff, err = LoadEffective(cwd, CLIArgs{Addr: ":9000", AddrSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Server.Addr != ":9000" {
		t.Fatalf("期望 CLI 覆盖 addr，实际 %q", eff.Server.Addr)
	}
	if !reflect.DeepEqual(eff.Server.CORSOrigins, []string{"https://example.org"}) {
		t.Fatalf("期望文件覆盖 cors_origins，实际 %v", eff.Server.CORSOrigins)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	if got := envTransformFunc("BOXD_SCRAPE__MAX_RETRIES"); got != "scrape.max_retries" {
		t.Fatalf("期望 scrape.max_retries，实际 %q", got)
	}
	if got := envTransformFunc("BOXD_OUT_DIR"); got != "out_dir" {
		t.Fatalf("期望 out_dir，实际 %q", got)
	}
}
