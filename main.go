// Package main runs the ftpd server: load the config file, apply
// command line overrides and drive the poll loop until a signal
// arrives.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/R-YaTian/ftpd/ftp"
	"github.com/R-YaTian/ftpd/ftp/config"
)

func main() {
	configPath := flag.String("config", "ftpd.yaml", "Path of the persisted configuration file")
	rootDir := flag.String("root", ".", "Directory served as the FTP root")
	port := flag.Int("port", 0, "Control port override (0 uses the configured port)")
	logLevel := flag.String("ll", "Info", "Minimum log level. Available values are Debug, Info, Warn, Error")

	logFileDebug := flag.String("lDebug", "", "Debug level log file")
	logFileInfo := flag.String("lInfo", "", "Info level log file")
	logFileWarn := flag.String("lWarn", "", "Warn level log file")
	logFileError := flag.String("lError", "", "Error level log file")

	flag.Parse()

	if *logFileDebug != "" || *logFileInfo != "" || *logFileWarn != "" || *logFileError != "" {
		log.AddHook(lfshook.NewHook(lfshook.PathMap{
			log.DebugLevel: *logFileDebug,
			log.InfoLevel:  *logFileInfo,
			log.WarnLevel:  *logFileWarn,
			log.ErrorLevel: *logFileError,
		}, nil))
	}

	switch strings.ToLower(*logLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.WithFields(log.Fields{"logLevel": *logLevel}).Error("main::main unsupported log level")
		os.Exit(1)
	}

	log.WithField("program", os.Args[0]).Info("Program started")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithFields(log.Fields{"config": *configPath, "err": err}).Error("main::main failed to load configuration")
		os.Exit(1)
	}

	if *port != 0 {
		if err := cfg.SetPort(flag.Lookup("port").Value.String()); err != nil {
			log.WithFields(log.Fields{"port": *port, "err": err}).Error("main::main invalid port override")
			os.Exit(1)
		}
	}

	srv, err := ftp.New(cfg, *rootDir, func(hostname string) {
		log.WithFields(log.Fields{"hostname": hostname}).Info("main::main mDNS hostname updated")
	})
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("main::main failed to start server")
		os.Exit(1)
	}

	go func() {
		if err := srv.Run(); err != nil {
			log.WithFields(log.Fields{"err": err}).Error("main::main server loop failed")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	s := <-signalChan
	log.WithFields(log.Fields{"signal": s.String()}).Warn("main::main " + s.String())

	srv.Close()
}
