package app

import (
	"upscalerbot/internal/broadcast"
	"upscalerbot/internal/config"
	"upscalerbot/internal/gateway"
	"upscalerbot/internal/report"
	"upscalerbot/internal/storage"
	telegram "upscalerbot/internal/transport/telegram/adapter"
	"upscalerbot/internal/upscale"
)

// Config mapping from the env-level config onto each component.

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:       sc.Driver,
		DSN:          sc.DSN,
		MaxOpenConns: sc.MaxOpenConns,
		ConnLifetime: sc.ConnLifetime,
		PingTimeout:  sc.PingTimeout,
	}
}

func mapAdapterConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    cfg.Telegram.PollTimeout,
		RequestTimeout: cfg.Telegram.RequestTimeout,
	}
}

func mapUpscaleConfig(cfg *config.Config) upscale.Config {
	return upscale.Config{
		Endpoint:       cfg.Upscale.Endpoint,
		APIKey:         cfg.Upscale.APIKey,
		Timeout:        cfg.Upscale.Timeout,
		MaxOutputBytes: cfg.HTTP.MaxUploadBytes * 8,
	}
}

func mapGatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Addr:           cfg.HTTP.Addr(),
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		ShutdownGrace:  cfg.HTTP.ShutdownGrace,
	}
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Schedule: cfg.Report.Schedule,
		Timezone: cfg.Report.Timezone,
	}
}

func mapBroadcastConfig(rc config.RuntimeConfig) broadcast.Config {
	return broadcast.Config{
		Delay:         rc.Broadcast.Pacing(),
		ProgressEvery: rc.Broadcast.ProgressEvery,
	}
}
