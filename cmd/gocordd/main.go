package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gocord/client"
	"gocord/internal/adminserver"
	"gocord/internal/audit"
	"gocord/internal/config"
	"gocord/internal/logger"
	"gocord/internal/monitor"
)

func main() {
	if err := config.Init(); err != nil {
		fmt.Printf("init config failed, err:%v\n", err)
		return
	}

	if err := logger.Init(logConfig(config.Conf)); err != nil {
		fmt.Printf("init logger failed, err:%v\n", err)
		return
	}
	defer zap.L().Sync()

	auditSink, err := audit.New(auditConfig(config.Conf), zap.L())
	if err != nil {
		zap.L().Fatal("init audit failed", zap.Error(err))
		return
	}

	opts := client.FromConfig(config.Conf)
	opts.Audit = auditSink
	c, err := client.New(opts)
	if err != nil {
		zap.L().Fatal("init client failed", zap.Error(err))
		return
	}

	samplerStop := make(chan struct{})
	monitor.StartSampler(5*time.Second, samplerStop)
	defer close(samplerStop)

	if admin := config.Conf.AdminConfig; admin != nil && admin.Enabled {
		srv := adminserver.New(admin.Addr, adminserver.Deps{
			BucketSnapshot:  c.Rest().BucketSnapshot,
			CircuitSnapshot: c.Rest().CircuitSnapshot,
			GatewaySnapshot: c.Status,
		})
		go srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		zap.L().Info("shutdown signal received")
		cancel()
	}()

	c.On("ready", func(args ...interface{}) {
		zap.L().Info("gateway ready")
	})

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("gateway exited", zap.Error(err))
	}
	c.Close()

	defer zap.L().Info("service exit")
}

func logConfig(conf *config.AppConfig) *logger.Config {
	lc := conf.LogConfig
	if lc == nil {
		return nil
	}
	return &logger.Config{
		Level:      lc.Level,
		Filename:   lc.Filename,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Console:    lc.Console,
	}
}

func auditConfig(conf *config.AppConfig) audit.Config {
	ac := conf.AuditConfig
	if ac == nil {
		return audit.Config{}
	}
	return audit.Config{
		Enabled:      ac.Enabled,
		DSN:          ac.DSN,
		MaxOpenConns: ac.MaxOpen,
		MaxIdleConns: ac.MaxIdle,
	}
}
