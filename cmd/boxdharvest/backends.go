package main

import (
	"fmt"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/backend/httpget"
	"github.com/John-Robertt/boxdharvest/internal/backend/pwadhoc"
	"github.com/John-Robertt/boxdharvest/internal/backend/rodpool"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/infra/httpx"
)

// buildRegistry 按生效配置组装三种 backend；浏览器均为惰性启动，未用到时不产生进程。
// 测试可替换该变量，避免启动真实浏览器。
var buildRegistry = func(eff config.EffectiveConfig) (backend.Registry, error) {
	client, err := httpx.NewPageClient(httpx.Options{
		ProxyURL:      eff.HTTP.ProxyURL,
		Timeout:       eff.HTTP.Timeout,
		RatePerSecond: eff.HTTP.RatePerSecond,
		Burst:         eff.HTTP.Burst,
	})
	if err != nil {
		return backend.Registry{}, fmt.Errorf("初始化 HTTP client 失败：%w", err)
	}

	poolSize := eff.Browser.PoolSize
	if poolSize < eff.Scrape.Workers {
		poolSize = eff.Scrape.Workers
	}
	return backend.NewRegistry(
		rodpool.New(rodpool.Config{
			PoolSize:  poolSize,
			Bin:       eff.Browser.Bin,
			NoSandbox: eff.Browser.NoSandbox,
			Headful:   eff.Browser.Headful,
		}),
		pwadhoc.New(pwadhoc.Config{
			ExecutablePath: eff.Browser.PlaywrightPath,
			InstallDriver:  eff.Browser.InstallDriver,
		}),
		httpget.New(client),
	)
}
