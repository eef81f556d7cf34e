package main

import (
	"log"

	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/metrics"
	"github.com/HenokTZA/evcsms/server"
)

func main() {

	conf, err := config.GetConfig()
	if err != nil {
		log.Println("configuration load failed;", err)
		return
	}

	go func() {
		if err := metrics.Listen(conf); err != nil {
			log.Println("metrics server failed;", err)
		}
	}()

	centralSystem, err := server.NewCentralSystem(conf)
	if err != nil {
		log.Println("central system initialization failed;", err)
		return
	}
	centralSystem.Start()

}
