package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/server"
)

func main() {
	configPath := flag.String("config", "config/balanz.yml", "configuration file")
	flag.Parse()

	conf, err := config.GetConfig(*configPath)
	if err != nil {
		log.Println("configuration load failed:", err)
		os.Exit(1)
	}

	centralSystem, err := server.NewCentralSystem(conf)
	if err != nil {
		log.Println("central system initialization failed:", err)
		os.Exit(1)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Println("shutting down")
		centralSystem.Stop()
		os.Exit(0)
	}()

	if err := centralSystem.Start(); err != nil {
		log.Println("server failed:", err)
		if server.IsPortBindError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
