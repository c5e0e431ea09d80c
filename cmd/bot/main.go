package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"

	"vpn-fleet-bot/config"
	"vpn-fleet-bot/internal/admin"
	"vpn-fleet-bot/internal/bot"
	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/fleet"
	"vpn-fleet-bot/internal/logger"
	"vpn-fleet-bot/internal/provision"
	"vpn-fleet-bot/internal/services"
	"vpn-fleet-bot/internal/vpn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	reporter := logger.NewTelegramReporter(botapi, cfg.AdminTelegramID)
	notifier := bot.NewTelegramNotifier(botapi)

	providers := vpn.NewRegistry(
		vpn.NewOutlineProvider(cfg.RemoteTimeout, cfg.SSHUser),
		vpn.NewVlessProvider(cfg.RemoteTimeout, cfg.SSHUser),
	)
	provisioner := provision.NewVDSina(
		cfg.VDSinaEmail, cfg.VDSinaPassword,
		cfg.VDSinaDatacenter, cfg.VDSinaPlan, cfg.VDSinaTemplate,
		cfg.RemoteTimeout,
	)

	allocator := fleet.NewAllocator(store, providers, provisioner, reporter, fleet.Config{
		Capacity:         cfg.ServerCapacity,
		TrialPeriod:      time.Duration(cfg.TrialPeriodDays) * 24 * time.Hour,
		DefaultDataLimit: cfg.DefaultDataLimit,
		VMPollInterval:   cfg.VMPollInterval,
		VMPollTimeout:    cfg.VMPollTimeout,
	})
	scanner := services.NewScanner(store, providers, notifier, reporter, services.ScannerConfig{
		SoonWindow:    time.Duration(cfg.ExpiringSoonDays) * 24 * time.Hour,
		Grace:         time.Duration(cfg.ExpiryGraceDays) * 24 * time.Hour,
		RemoteTimeout: cfg.RemoteTimeout,
	})
	rebalancer := services.NewRebalancer(store, allocator, cfg.ServerCapacity, cfg.PreprovisionMargin)
	probe := services.NewStatusProbe(store, reporter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	// Отключение просроченных ключей и уведомления (каждый день в 03:30)
	c.AddFunc("30 3 * * *", func() {
		if err := scanner.CheckExpirations(ctx); err != nil {
			logger.Error("expiry sweep failed: " + err.Error())
		}
	})
	// Ежечасный пересчет лимитов трафика
	c.AddFunc("@hourly", func() {
		if err := scanner.ReconcileDataLimits(ctx); err != nil {
			logger.Error("limit reconciliation failed: " + err.Error())
		}
	})
	// Превентивное расширение флота
	c.AddFunc("@every 5m", func() { rebalancer.Run(ctx) })
	// Автоматическое обновление статуса серверов
	c.AddFunc("@every 1m", probe.Run)
	// Автоматический бэкап БД раз в сутки
	c.AddFunc("0 3 * * *", func() {
		admin.AutoBackupDatabase(reporter, cfg.DatabaseURL)
	})
	c.Start()
	defer c.Stop()

	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		log.Println("health server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			log.Fatalf("health server error: %v", err)
		}
	}()

	logger.Info("fleet service started")
	<-ctx.Done()
	logger.Info("fleet service stopping")
}
