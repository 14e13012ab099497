package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	apiserver "github.com/apirun/apirun/internal/api_server"
	"github.com/apirun/apirun/internal/config"
	"github.com/apirun/apirun/internal/store"
	"github.com/apirun/apirun/pkg/log"
)

func main() {
	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		panic("reading configuration: " + err.Error())
	}

	log := log.InitLogs(cfg.Service.LogLevel)
	log.Println("Starting custom-API runtime")
	defer log.Println("Custom-API runtime stopped")
	log.Printf("Using config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}
	st := store.NewStore(db, log.WithField("pkg", "store"))
	defer st.Close()

	if err := st.InitialMigration(); err != nil {
		log.Fatalf("running initial migration: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.Service.Address)
	if err != nil {
		log.Fatalf("creating listener: %v", err)
	}

	server := apiserver.New(log, cfg, st, listener, nil, nil)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("running server: %v", err)
	}
}
