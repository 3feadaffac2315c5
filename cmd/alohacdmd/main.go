package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/lanikai/alohacdm"
	"github.com/lanikai/alohacdm/internal/bridge"
	"github.com/lanikai/alohacdm/internal/engine/sim"
	"github.com/lanikai/alohacdm/internal/licstore"
	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/pssh"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("alohacdmd")

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("alohacdmd", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}
	if flagDumpPSSH != "" {
		if err := dumpPSSH(flagDumpPSSH); err != nil {
			log.Fatalf("%v", err)
		}
		os.Exit(0)
	}
	if flagMakePSSH {
		routing := pssh.Routing{TSID: flagTSID, EMI: flagEMI, SystemSessionID: flagSystemID}
		os.Stdout.Write(pssh.Build(nil, routing.Bytes()))
		os.Exit(0)
	}

	cfg, err := alohacdm.ParseConfig(flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}

	dir := cfg.LicensePath
	if flagInMemory {
		dir = ""
	}
	store, err := licstore.Open(dir)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer store.Close()

	eng := sim.New(sim.Options{
		NeedsProvisioning: flagProvisioning,
		Store:             store,
	})
	m, err := alohacdm.Open(cfg, eng)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer m.Close()

	server := bridge.NewServer(flagListen, map[string]bridge.Factory{
		"system":  alohacdm.NewSystemKeys(m),
		"connect": alohacdm.NewConnectKeys(m),
	})
	server.Handle("/metrics", promhttp.Handler())

	errc := make(chan error, 1)
	go func() { errc <- server.Listen() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGINT, unix.SIGTERM)

	select {
	case sig := <-sigc:
		log.Info("Received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("shutdown: %v", err)
		}
	case err := <-errc:
		if err != nil {
			log.Error("%v", err)
		}
	}
}

// dumpPSSH prints what a session would make of the init data in file.
func dumpPSSH(file string) error {
	box, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}

	private, n := pssh.FindPrivateData(box)
	switch n {
	case pssh.ErrInsufficientData:
		return fmt.Errorf("%s: truncated pssh box", file)
	case pssh.ErrTypeMismatch:
		return fmt.Errorf("%s: not a pssh box", file)
	case pssh.ErrSystemIDMismatch:
		return fmt.Errorf("%s: pssh box for another system", file)
	}

	fmt.Printf("private data: %d bytes\n", n)
	if n == 0 {
		return nil
	}
	fmt.Print(hex.Dump(private))
	if routing, err := pssh.ParseRouting(private); err == nil {
		fmt.Printf("stream routing: %v\n", routing)
	}
	return nil
}
