package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/wqm/pkg/bus"
	"github.com/itohio/wqm/pkg/calibration"
	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/feed"
	"github.com/itohio/wqm/pkg/metrics"
	"github.com/itohio/wqm/pkg/modbus"
	"github.com/itohio/wqm/pkg/platform"
	"github.com/itohio/wqm/pkg/sensor"
	"github.com/itohio/wqm/pkg/upload"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use simulated sensors instead of serial port")
		listenFlag = flag.String("listen", "", "Override listen address (e.g. :8080)")
		listFlag   = flag.Bool("list", false, "List serial ports and exit")
		debugFlag  = flag.Bool("debug", false, "Log every bus frame")
	)
	flag.Parse()

	if *listFlag {
		listPorts()
		return
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *listenFlag != "" {
		cfg.Feed.Listen = *listenFlag
	}
	if *debugFlag {
		cfg.Logging.Debug = true
	}

	host := platform.Detect()
	log.Printf("[main] wqm starting on %s", host)
	if cfg.Upload.UID == "" {
		cfg.Upload.UID = host.ChipID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *mockFlag); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, mock bool) error {
	m := metrics.New()
	clock := bus.SystemClock{}
	opts := bus.Options{
		GuardDelay:   cfg.Bus.GuardDelay,
		PollInterval: cfg.Bus.PollInterval,
		Debug:        cfg.Logging.Debug,
	}

	var (
		port  bus.Port
		dir   bus.DirectionControl
		probe sensor.TemperatureProbe
		sim   *bus.Sim
		dev   *bus.Serial
	)
	if mock {
		sim = bus.NewSim()
		port = sim
		probe = &sensor.StaticProbe{Celsius: cfg.Mock.Temperature}
		log.Printf("[main] using simulated sensors")
	} else {
		if cfg.Serial.Port == "" {
			return fmt.Errorf("no serial port configured (use -p or serial.port)")
		}
		dev = bus.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.Direction)
		defer dev.Close()
		port, dir = dev, dev
		probe = sensor.NewW1Probe(cfg.Temperature.Device)
	}

	client := modbus.NewClient(bus.NewTransport(port, dir, clock, opts))
	client.OnTransaction(m.ObserveTransaction)

	poller, err := sensor.New(cfg, client, probe, clock, sensor.NewZoneClock(nil, cfg.Poll.UTCOffsetHours))
	if err != nil {
		return err
	}
	if sim != nil {
		sensor.SeedSim(sim, poller.Specs(), cfg.Mock)
	}

	engine, err := calibration.New(cfg, poller, client, clock)
	if err != nil {
		return fmt.Errorf("failed to create calibration engine: %w", err)
	}

	history := sensor.NewHistory(cfg.Feed.HistoryWindow)
	server := feed.New(cfg.Feed, poller, engine, history, m.Handler())

	poller.OnUpdate(m.ObserveReading)
	poller.OnUpdate(history.Add)
	poller.OnUpdate(server.PublishReading)
	engine.OnProgress(m.ObserveCalibration)
	engine.OnProgress(server.PublishProgress)

	go func() {
		if err := server.Run(ctx); err != nil {
			log.Printf("[main] feed server exited: %v", err)
		}
	}()

	if dev != nil && !connectWithRetry(ctx, dev, 10) {
		return nil
	}

	if _, found := poller.Discover(); !found {
		log.Printf("[main] no sensors answered, polling anyway")
	}

	uploads := upload.New(cfg.Upload, cfg.Logging.Debug)
	s := &scheduler{
		poller:         poller,
		engine:         engine,
		uploader:       uploads,
		commands:       server.Commands(),
		readInterval:   cfg.Poll.ReadInterval,
		uploadInterval: cfg.Poll.UploadInterval,
		onRefresh:      m.ObserveRefresh,
		onUpload:       m.ObserveUpload,
	}
	s.run(ctx)
	return nil
}

// connectWithRetry opens the port with exponential backoff. It returns false
// if ctx ends first.
func connectWithRetry(ctx context.Context, dev *bus.Serial, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		err := dev.Connect()
		if err == nil {
			return true
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[bus] connect attempt %d/%d failed: %v (retry in %v)", attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[bus] connect attempt %d failed: %v (retry in %v)", attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func listPorts() {
	ports, err := bus.Ports()
	if err != nil {
		log.Fatalf("Failed to list ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p.Description)
	}
}
