package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ticket_flash_sale/internal/catalog"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/config"
	"ticket_flash_sale/internal/ledger"
	"ticket_flash_sale/internal/order"
	"ticket_flash_sale/internal/payment"
	"ticket_flash_sale/internal/queue"
	"ticket_flash_sale/internal/router"
	"ticket_flash_sale/internal/worker"
	"ticket_flash_sale/pkg/logging"
	inventory "ticket_flash_sale/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 订单账本，自动建表
	db, err := ledger.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// 2. Redis：库存闸门、占座记录、限流
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	// 3. 履约队列
	q := newQueue(cfg, rdb, log)
	defer func() {
		if err := q.Close(); err != nil {
			log.Warn("close queue", "err", err)
		}
	}()

	clk := clock.NewSystem()
	l := ledger.New(db)
	inv := inventory.NewInventory(rdb, log)
	payments := payment.NewService(l, payment.NewGateway(cfg.Gateway, cfg.HoldTTL), clk, log)
	orders := order.NewService(inv, l, payments, q, clk, cfg.HoldTTL, log)
	events := catalog.NewService(l, inv, clk, log)

	// 4. 后台任务：支付确认落单 + 过期回收
	var wg sync.WaitGroup
	finalizer := worker.NewFinalizer(log, q, orders, cfg.QueueBatchSize, cfg.FinalizerIdle)
	sweeper := worker.NewSweeper(log, orders, cfg.SweepInterval)
	wg.Add(2)
	go func() { defer wg.Done(); _ = finalizer.Run(ctx) }()
	go func() { defer wg.Done(); _ = sweeper.Run(ctx) }()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Catalog:  events,
		Orders:   orders,
		Payments: payments,
		Redis:    rdb,
		Config:   cfg,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "env", cfg.AppEnv, "addr", cfg.HTTPAddr, "queue", cfg.QueueBackend, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	wg.Wait()
	return err
}

func newQueue(cfg config.AppConfig, rdb *rd.Client, log *slog.Logger) queue.Queue {
	if cfg.QueueBackend == "kafka" {
		return queue.NewKafkaQueue(queue.KafkaOptions{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaTopic,
			GroupID:    cfg.KafkaGroupID,
			Wait:       cfg.QueueWait,
			Visibility: cfg.QueueVisibility,
		}, log)
	}
	return queue.NewStreamQueue(rdb, queue.StreamOptions{
		Stream:     cfg.FulfillmentStream,
		Group:      cfg.FulfillmentGroup,
		Consumer:   cfg.FulfillmentConsumer,
		Wait:       cfg.QueueWait,
		Visibility: cfg.QueueVisibility,
	}, log)
}
