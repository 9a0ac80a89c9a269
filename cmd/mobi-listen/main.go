// ABOUTME: Marker stream listener for verifying a running recorder
// ABOUTME: Discovers outlets via mDNS or a manual server, syncs clocks and prints markers
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/childmindresearch/MoBI-AV/internal/client"
	"github.com/childmindresearch/MoBI-AV/internal/discovery"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
	"github.com/childmindresearch/MoBI-AV/internal/version"
)

var (
	serverAddr   = flag.String("server", "", "Manual bus address host:port (skip mDNS)")
	streams      = flag.String("streams", "AudioMarkers,VideoMarkers", "Comma-separated stream names to subscribe to")
	syncInterval = flag.Duration("sync-interval", time.Second, "Clock sync interval")
	logFile      = flag.String("log-file", "mobi-listen.log", "Log file path")
	verbose      = flag.Bool("v", false, "Also print logs to stderr")
)

func main() {
	flag.Parse()

	rotator := &lumberjack.Logger{Filename: *logFile, MaxSize: 10, MaxBackups: 3}
	defer func() { _ = rotator.Close() }()
	if *verbose {
		log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	} else {
		log.SetOutput(rotator)
	}
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	fmt.Printf("%s marker listener %s\n", version.Product, version.Version)

	wanted := make(map[string]bool)
	for _, name := range strings.Split(*streams, ",") {
		if name = strings.TrimSpace(name); name != "" {
			wanted[name] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var wg sync.WaitGroup
	listen := func(rawURL string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := follow(ctx, rawURL); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", rawURL, err)
			}
		}()
	}

	if *serverAddr != "" {
		for name := range wanted {
			u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/markers/" + name}
			listen(u.String())
		}
	} else {
		fmt.Println("Browsing for marker streams via mDNS...")
		disc := discovery.NewManager(discovery.Config{})
		disc.Browse()
		defer disc.Stop()

		seen := make(map[string]bool)
	browse:
		for {
			select {
			case s := <-disc.Streams():
				if !wanted[s.Info.Name] || seen[s.URL()] {
					continue
				}
				seen[s.URL()] = true
				fmt.Printf("Found %s on %s:%d (source %s)\n", s.Info.Name, s.Host, s.Port, s.Info.SourceID)
				listen(s.URL())
			case <-ctx.Done():
				break browse
			}
		}
	}

	wg.Wait()
}

// follow subscribes to one outlet and prints its markers until ctx ends
func follow(ctx context.Context, rawURL string) error {
	c := client.NewClient(client.Config{URL: rawURL})
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	info := c.Info()
	fmt.Printf("Subscribed to %s (type %s, %d channel(s), source %s, host %s)\n",
		info.Name, info.Type, info.ChannelCount, info.SourceID, info.Hostname)

	cs := internalsync.NewClockSync()
	go c.RunClockSync(ctx, cs, *syncInterval)

	for {
		select {
		case m, ok := <-c.Markers:
			if !ok {
				return fmt.Errorf("outlet closed the connection")
			}
			printMarker(m, cs)
		case <-ctx.Done():
			return nil
		}
	}
}

func printMarker(m protocol.Marker, cs *internalsync.ClockSync) {
	local := "unsynced"
	if cs.Synced() {
		offset, rtt, quality := cs.Stats()
		local = fmt.Sprintf("%s (offset %+.2fms, rtt %.2fms, %s)",
			cs.BusToLocal(m.Micros).Format("15:04:05.000000"),
			float64(offset)/1000, float64(rtt)/1000, quality)
	}
	fmt.Printf("[%s #%d] %s %s subject=%s file=%s\n  bus=%s local=%s\n  sample=%s\n",
		m.Stream, m.Seq, m.Modality, m.Event, m.SubjectID, m.Filename,
		m.ISOTimestamp, local, m.Sample)
}
