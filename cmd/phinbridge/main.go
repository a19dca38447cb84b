package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"phinbridge/internal/api"
	"phinbridge/internal/auth"
	"phinbridge/internal/config"
	"phinbridge/internal/controller"
	"phinbridge/internal/events"
	"phinbridge/internal/host"
	"phinbridge/internal/logging"
	"phinbridge/internal/mqtt"
	"phinbridge/internal/node"
	"phinbridge/internal/phin"
	"phinbridge/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "token":
		err = tokenCmd(args)
	case "version":
		fmt.Println(Version)
	default:
		err = fmt.Errorf("unknown command %q (want run, token or version)", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "phinbridge:", err)
		os.Exit(1)
	}
}

// tokenCmd prints a signed control API token
func tokenCmd(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	envFile := fs.String("config", ".env", "Path to the .env configuration file")
	subject := fs.String("subject", "admin", "Token subject")
	role := fs.String("role", string(auth.RoleAdmin), "Token role (admin or readonly)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}

	token, err := auth.NewJWTManager(cfg.APISecret(), cfg.TokenExpiration()).GenerateToken(*subject, r)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	envFile := fs.String("config", ".env", "Path to the .env configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel(), cfg.LogFormat(), "phinbridge")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("file", cfg.FilePath()),
		zap.String("config", cfg.String()),
		zap.String("version", Version),
	)

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	evs := events.NewStore(500)

	hostOpts := host.Options{Storage: store, Events: evs, Logger: logger.Logger}
	var client *mqtt.Client
	if cfg.MQTTBroker() != "" {
		client, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker(),
			ClientID: cfg.MQTTClientID(),
			Username: cfg.MQTTUsername(),
			Password: cfg.MQTTPassword(),
			Prefix:   cfg.MQTTPrefix(),
			UseTLS:   cfg.MQTTUseTLS(),
		}, logger.Logger)
		if err != nil {
			return fmt.Errorf("create MQTT client: %w", err)
		}
		if err := client.Connect(); err != nil {
			return err
		}
		defer client.Disconnect()

		hostOpts.Publisher = mqtt.NewPublisher(client, logger.Logger)
		hostOpts.Discovery = mqtt.NewDiscoveryManager(client, logger.Logger, store)
	} else {
		logger.Info("MQTT disabled, no broker configured")
	}

	h, err := host.New(hostOpts)
	if err != nil {
		return err
	}
	if client != nil {
		if err := h.SubscribeParams(client); err != nil {
			return fmt.Errorf("subscribe params: %w", err)
		}
	}

	ph, orp, battery, rssi := cfg.AverageWindow()
	service := phin.New(phin.Options{
		BaseURL: cfg.PhinBaseURL(),
		Timeout: cfg.HTTPTimeout(),
		Window:  phin.Window{PH: ph, ORP: orp, Battery: battery, RSSI: rssi},
	}, logger.Logger)

	level := &levelControl{logger: logger, cfg: cfg}
	runner, err := node.New(node.Options{
		Host: h,
		NewController: func() *controller.Controller {
			return controller.New(controller.Options{
				Host:     h,
				Service:  service,
				Recorder: h,
				Level:    level,
				Logger:   logger.Logger,
			})
		},
		ShortPoll: cfg.ShortPoll(),
		LongPoll:  cfg.LongPoll(),
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}

	tickets := auth.NewWSTicketStore()
	authMw := auth.NewMiddleware(
		auth.NewJWTManager(cfg.APISecret(), cfg.TokenExpiration()),
		tickets,
		auth.NewFailureLimiter(),
	)
	if cfg.NoAuth() {
		logger.Warn("authentication is DISABLED")
		authMw = auth.Disabled()
	}

	server := api.NewServer(api.Options{
		Host:    h,
		Node:    runner,
		Events:  evs,
		Auth:    authMw,
		Tickets: tickets,
		Logger:  logger.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	port := addr
	if strings.HasPrefix(port, ":") {
		port = port[1:]
	} else if idx := strings.LastIndex(port, ":"); idx != -1 {
		port = port[idx+1:]
	}
	printAccessURLs(port)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-runnerDone
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return <-runnerDone
}

// levelControl applies a level to the running logger and persists it
type levelControl struct {
	logger *logging.Logger
	cfg    *config.Config
}

func (l *levelControl) SetLevel(level string) error {
	if err := l.logger.SetLevel(level); err != nil {
		return err
	}
	return l.cfg.SetLogLevel(level)
}

func (l *levelControl) LevelNumber() int {
	return l.logger.LevelNumber()
}

// getLocalIPs returns all local IP addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints the control API base URLs
func printAccessURLs(port string) {
	ips := getLocalIPs()
	if len(ips) == 0 {
		fmt.Printf("\nControl API at http://localhost:%s/api\n", port)
		return
	}

	fmt.Println("\nControl API:")
	for _, ip := range ips {
		fmt.Printf("  http://%s:%s/api\n", ip, port)
	}
	fmt.Println()
}
