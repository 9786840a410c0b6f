// obdlink talks to an ELM327-style OBD-II adapter over Bluetooth RFCOMM or a
// serial port, decodes the telemetry it polls and fans it out to SQLite, MQTT
// and an HTTP/WebSocket API.
//
// Prerequisites (bluez transport)
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root: run with `sudo` if needed.
//
// Modes
//
//	obdlink -mode=scan -timeout=15s            list SPP devices
//	obdlink -mode=listen                       wait for the adapter to connect
//	obdlink -mode=connect -remote AA:BB:..     dial the adapter
//	obdlink -mode=serve                        run the API; listen/connect per config
//	obdlink -mode=replay -file trip.cbor       decode a capture offline
//	obdlink -mode=history -vehicle VIN -limit 20
//
// Ctrl-C cancels via context.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"obd-link/internal/api"
	"obd-link/internal/capture"
	"obd-link/internal/config"
	"obd-link/internal/connmgr"
	"obd-link/internal/elm"
	"obd-link/internal/events"
	"obd-link/internal/logging"
	"obd-link/internal/lookup"
	"obd-link/internal/publish"
	"obd-link/internal/store"
	"obd-link/internal/transport"
	"obd-link/internal/transport/bluez"
	"obd-link/internal/transport/serialport"
)

type options struct {
	mode    string
	remote  string
	timeout time.Duration
	file    string
	vehicle string
	limit   int
}

func main() {
	configPath := flag.String("config", "", "configuration file (default: /etc/obd-link/config.yaml, ./config.yaml)")
	var o options
	flag.StringVar(&o.mode, "mode", "serve", "mode: scan|listen|connect|serve|replay|history")
	flag.StringVar(&o.remote, "remote", "", "adapter to dial: MAC, BlueZ object path or serial port (default: device.remote)")
	flag.DurationVar(&o.timeout, "timeout", 0, "stop after this long (scan defaults to 15s)")
	flag.StringVar(&o.file, "file", "", "capture file to replay (replay mode)")
	flag.StringVar(&o.vehicle, "vehicle", "", "vehicle id (history mode)")
	flag.IntVar(&o.limit, "limit", 20, "rows to print (history mode)")
	flag.Parse()

	cfg, used, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if used == "" {
		logger.Info("no configuration file found, using defaults")
	} else {
		logger.Info("configuration loaded", zap.String("path", used))
	}
	if o.remote == "" {
		o.remote = cfg.Device.Remote
	}

	mode := strings.ToLower(o.mode)
	if mode == "scan" && o.timeout == 0 {
		o.timeout = 15 * time.Second
	}

	// Context with optional timeout + Ctrl-C cancellation
	ctx, cancel := context.WithCancel(context.Background())
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), o.timeout)
	}
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	switch mode {
	case "scan":
		err = runScan(ctx, cfg, logger)
	case "listen", "connect", "serve":
		err = run(ctx, mode, cfg, o, logger)
	case "replay":
		err = runReplay(ctx, cfg, o.file, logger)
	case "history":
		err = runHistory(ctx, cfg, o, logger)
	default:
		err = fmt.Errorf("unknown mode: %s", o.mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func bluezOptions(cfg *config.Config) bluez.Options {
	return bluez.Options{
		ServiceName: cfg.Transport.BlueZ.ServiceName,
		Channel:     cfg.Transport.BlueZ.Channel,
		Adapter:     cfg.Transport.BlueZ.Adapter,
	}
}

func elmConfig(cfg *config.Config) elm.Config {
	return elm.Config{
		InitCommands:     cfg.Protocol.InitCommands,
		VehicleIDCommand: cfg.Protocol.VehicleIDCommand,
		Poll:             cfg.Protocol.Poll,
		DefaultVehicleID: cfg.Protocol.DefaultVehicleID,
	}
}

func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tr := bluez.New(bluezOptions(cfg), logger)
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("close transport", zap.Error(err))
		}
	}()
	devs, err := tr.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devs) == 0 {
		fmt.Println("no SPP devices found")
		return nil
	}
	for i, d := range devs {
		fmt.Printf("[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
	}
	return nil
}

// run wires the full pipeline and blocks until ctx is done.
func run(ctx context.Context, mode string, cfg *config.Config, o options, logger *zap.Logger) (err error) {
	var cleanup []func() error
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			err = multierr.Append(err, cleanup[i]())
		}
	}()

	bus := events.NewBus(cfg.Events.Buffer)

	var tr transport.Transport
	switch cfg.Transport.Kind {
	case config.TransportSerial:
		tr = serialport.New(serialport.Options{
			Port:        cfg.Transport.Serial.Port,
			Baud:        cfg.Transport.Serial.Baud,
			ReadTimeout: cfg.Transport.Serial.ReadTimeout,
		}, logger)
	default:
		bt := bluez.New(bluezOptions(cfg), logger)
		cleanup = append(cleanup, bt.Close)
		tr = bt
	}

	proto := elm.NewProtocol(elmConfig(cfg), bus, logger)
	var handler connmgr.Handler = proto
	if cfg.Capture.Path != "" {
		rec, err := capture.Create(cfg.Capture.Path)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, rec.Close)
		handler = capture.Tap(proto, rec, logger)
	}

	var db *store.DB
	if cfg.Store.Path != "" {
		if db, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		cleanup = append(cleanup, db.Close)
		if err := store.Migrate(db); err != nil {
			return err
		}
		evs, unsub := bus.Subscribe()
		cleanup = append(cleanup, func() error { unsub(); return nil })
		desc := store.Vehicle{Make: cfg.Vehicle.Make, Model: cfg.Vehicle.Model, Year: cfg.Vehicle.Year}
		go func() {
			if err := db.Consume(ctx, evs, desc, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("store consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.MQTT.Enabled {
		pub := publish.NewPublisher(cfg.MQTT, logger)
		evs, unsub := bus.Subscribe()
		cleanup = append(cleanup, func() error { unsub(); pub.Disconnect(); return nil })
		go func() {
			if err := pub.Connect(ctx); err != nil {
				return
			}
			_ = pub.Run(ctx, evs)
		}()
	}

	if mode != "serve" {
		evs, unsub := bus.Subscribe()
		cleanup = append(cleanup, func() error { unsub(); return nil })
		go printEvents(evs)
	}

	mgr := connmgr.New(tr, handler, bus, logger)
	cleanup = append(cleanup, func() error { mgr.Stop(); mgr.Wait(); return nil })

	if mode == "serve" {
		deps, closeCache := apiDeps(cfg, mgr, proto, db, bus, logger)
		cleanup = append(cleanup, closeCache)
		srv := &http.Server{
			Addr:              cfg.API.ListenAddr,
			Handler:           api.NewRouter(deps, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("api listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server", zap.Error(err))
			}
		}()
		cleanup = append(cleanup, func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	switch {
	case mode == "connect":
		if o.remote == "" && cfg.Transport.Kind != config.TransportSerial {
			return errors.New("connect mode needs -remote or device.remote")
		}
		mgr.Connect(o.remote)
	case mode == "listen":
		if err := mgr.Start(); err != nil {
			return err
		}
	default:
		if cfg.Device.Listen {
			if err := mgr.Start(); err != nil {
				return err
			}
		}
		if cfg.Device.AutoConnect {
			mgr.Connect(o.remote)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return ctx.Err()
}

func apiDeps(cfg *config.Config, mgr *connmgr.Manager, proto *elm.Protocol, db *store.DB, bus *events.Bus, logger *zap.Logger) (api.Deps, func() error) {
	closeCache := func() error { return nil }
	d := api.Deps{
		Link:      mgr,
		Commander: proto,
		Subscribe: bus.Subscribe,
		Remote:    cfg.Device.Remote,
		Vehicle:   lookup.Vehicle{Make: cfg.Vehicle.Make, Model: cfg.Vehicle.Model, Year: cfg.Vehicle.Year},
	}
	if db != nil {
		d.History = db
	}
	if cfg.Lookup.URL != "" {
		var cache lookup.Cache = lookup.NewMemoryCache(cfg.Lookup.Cache.TTL)
		if cfg.Lookup.Cache.Kind == config.CacheRedis {
			rc := redis.NewClient(&redis.Options{Addr: cfg.Lookup.Cache.RedisAddr})
			closeCache = rc.Close
			cache = lookup.NewRedisCache(rc, "obd-link", cfg.Lookup.Cache.TTL)
		}
		d.Lookup = lookup.NewClient(cfg.Lookup.URL, cfg.Lookup.Timeout, cache, logger)
	}
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	return d, closeCache
}

func printEvents(evs <-chan events.Event) {
	for e := range evs {
		switch e.Kind {
		case events.KindStateChanged:
			fmt.Printf("state: %s\n", e.State)
		case events.KindDeviceConnected:
			fmt.Printf("connected to %s\n", e.Text)
		case events.KindCommandSent:
			fmt.Printf("> %s\n", e.Text)
		case events.KindLineReceived:
			fmt.Printf("< %s\n", e.Text)
		case events.KindDecoded:
			fmt.Printf("= %s\n", e.Sample)
		case events.KindNotice:
			fmt.Printf("! [%s] %s\n", e.Category, e.Text)
		}
	}
}

func runReplay(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	if path == "" {
		path = cfg.Capture.Path
	}
	if path == "" {
		return errors.New("replay mode needs -file or capture.path")
	}
	bus := events.NewBus(1024)
	evs, unsub := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(evs)
	}()

	proto := elm.NewProtocol(elmConfig(cfg), bus, logger)
	n, err := capture.ReplayFile(ctx, path, proto, nil)
	unsub()
	<-done
	if err != nil {
		return err
	}
	logger.Info("replay finished", zap.Int("chunks", n))
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, o options, logger *zap.Logger) error {
	if o.vehicle == "" {
		return errors.New("history mode needs -vehicle")
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}
	samples, err := db.History(ctx, o.vehicle, o.limit)
	if err != nil {
		return err
	}
	for _, s := range samples {
		fmt.Printf("%s  %s\n", s.Timestamp.Local().Format(time.DateTime), s)
	}
	codes, err := db.LatestCodes(ctx, o.vehicle, o.limit)
	if err != nil {
		return err
	}
	for _, c := range codes {
		fmt.Printf("%s  code %s\n", c.RecordedAt.Local().Format(time.DateTime), c.Code)
	}
	logger.Debug("history printed", zap.Int("samples", len(samples)), zap.Int("codes", len(codes)))
	return nil
}
