// ABOUTME: Entry point for the MoBI audio/video recorder
// ABOUTME: Parses CLI flags, sets up logging and runs the TUI or headless console
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/childmindresearch/MoBI-AV/internal/app"
	"github.com/childmindresearch/MoBI-AV/internal/config"
	"github.com/childmindresearch/MoBI-AV/internal/recorder"
	"github.com/childmindresearch/MoBI-AV/internal/ui"
	"github.com/childmindresearch/MoBI-AV/internal/version"
)

var (
	configPath  = flag.String("config", "", "Config file path (default: $MOBI_CONFIG or ~/.mobi-av/config.yaml)")
	subject     = flag.String("subject", "", "Subject ID used in filenames and markers")
	destination = flag.String("dest", "", "Directory recordings are written to")
	port        = flag.Int("port", 0, "Marker bus port (default from config: 8937)")
	simulate    = flag.Bool("simulate", false, "Use simulated capture devices instead of ffmpeg")
	noMDNS      = flag.Bool("no-mdns", false, "Do not advertise marker streams via mDNS")
	logFile     = flag.String("log-file", "", "Log file path (default from config: mobi-av.log)")
	headless    = flag.Bool("headless", false, "Disable TUI, read commands from stdin and stream logs")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Set up logging
	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	defer func() { _ = rotator.Close() }()

	if *headless {
		// Headless mode: log to both stdout and file
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	} else {
		// TUI mode: log only to file
		log.SetOutput(rotator)
	}

	log.Printf("Starting %s %s (subject %s, destination %s)", version.Product, version.Version, cfg.SubjectID, cfg.Destination)

	rec, err := app.New(cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to create recorder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.Start(ctx); err != nil {
		log.Fatalf("Failed to start recorder: %v", err)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *headless {
		go func() {
			<-sigChan
			log.Printf("Shutdown signal received")
			cancel()
		}()
		if err := rec.RunCommands(ctx, os.Stdin, os.Stdout); err != nil {
			log.Printf("Console error: %v", err)
		}
	} else {
		tui := ui.NewTUI(rec, ui.Info{
			SubjectID:   cfg.SubjectID,
			Destination: cfg.Destination,
			BusAddr:     rec.BusAddr(),
			AudioStream: cfg.Markers.AudioStream,
			VideoStream: cfg.Markers.VideoStream,
			AudioDevice: cfg.Audio.Device,
			VideoDevice: cfg.Video.Device,
		})
		rec.OnStatus(func(s recorder.Status) { tui.Update(s) })

		go func() {
			select {
			case <-sigChan:
				log.Printf("Shutdown signal received")
				tui.Quit()
			case <-ctx.Done():
			}
		}()

		if err := tui.Run(); err != nil {
			log.Printf("TUI error: %v", err)
		}
		cancel()
	}

	if err := rec.Close(); err != nil {
		log.Printf("Error closing recorder: %v", err)
	}
	log.Printf("Recorder stopped")
}

// loadConfig reads the config file, then applies flags set on the command line
func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "subject":
			cfg.SubjectID = *subject
		case "dest":
			cfg.Destination = *destination
		case "port":
			cfg.Bus.Port = *port
		case "simulate":
			if *simulate {
				cfg.Driver = "simulated"
			}
		case "no-mdns":
			cfg.Bus.MDNS = !*noMDNS
		case "log-file":
			cfg.Log.File = *logFile
		}
	})

	return cfg, cfg.Validate()
}
