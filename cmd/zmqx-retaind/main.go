package main

import (
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhimiaox/zmqx-retain/common"
	"github.com/zhimiaox/zmqx-retain/config"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/server"
)

var configFile = flag.String("c", "", "config file path, defaults are used when empty")

func main() {
	flag.Parse()
	cfg := config.New()
	if *configFile != "" {
		var err error
		if cfg, err = config.ParseConfigFile(*configFile); err != nil {
			panic(err)
		}
	}
	if os.Getenv("ZMQX_DEBUG") == "true" {
		cfg.Server.Debug = true
	}
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(common.NewLogHandler(cfg.Server.LogFormat, os.Stdout, logLevel)))
	slog.Info("服务启动中..", "NODE_ID", cfg.Server.NodeID, "DEBUG", cfg.Server.Debug)
	if cfg.Server.Debug {
		logLevel.Set(slog.LevelDebug)
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Error("debug listen", "err", err)
			}
		}()
	}
	srv := server.New(
		server.WithConfig(cfg),
		server.WithLogger(slog.Default()),
		server.WithHook(
			server.WithOnMsgDropped(func(clientID string, msg *models.Message, err error) {
				slog.Debug("message dropped", "client_id", clientID, "topic", msg.Topic, "err", err)
			}),
			server.WithOnRetainedReplayed(func(clientID string, topicFilter string, queued int, err error) {
				if err != nil {
					slog.Warn("retained replay incomplete", "client_id", clientID, "topic", topicFilter, "queued", queued, "err", err)
				}
			}),
		),
	)
	if err := srv.Start(); err != nil {
		slog.Error("server start", "err", err)
		srv.Stop()
		os.Exit(1)
	}
	slog.Info("signal received, server closed.", "signal", WaitForSignal())
	srv.Stop()
}

func WaitForSignal() os.Signal {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	s := <-signalChan
	signal.Stop(signalChan)
	return s
}
