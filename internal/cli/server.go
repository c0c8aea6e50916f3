package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/config"
	"contest-station-client/internal/election"
	"contest-station-client/internal/infra/memory"
	redisinfra "contest-station-client/internal/infra/redis"
	"contest-station-client/internal/stage"
	"contest-station-client/internal/station"
	"contest-station-client/internal/transport"
	"contest-station-client/internal/uibridge"
)

// NewStartCmd builds the CLI subcommand to start the station.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the contestant station",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStation(cmd.Context(), *configPath, *port)
		},
	}
}

func runStation(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.UI.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	stationID := cfg.Station.ID
	if stationID == "" {
		stationID = "station-" + uuid.NewString()[:8]
	}
	tabID := uuid.NewString()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var broker transport.Broker
	var leases election.Store
	var sessions station.SessionStore
	if redisClient != nil {
		broker = redisinfra.NewBroker(redisClient)
		leases = redisinfra.NewLeaseStore(redisClient, "station:leader:"+stationID)
		sessions = redisinfra.NewSessionStore(redisClient)
	} else {
		broker = memory.NewBroker()
		leases = memory.NewLeaseStore()
		sessions = memory.NewSessionStore()
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	directory := collab.NewDirectory(cfg.Services.DirectoryURL, httpClient)
	bank := collab.NewQuestionBank(cfg.Services.QuestionBankURL, httpClient)
	sheets := collab.NewSheets(cfg.Services.SheetsURL, httpClient)
	uploads := collab.NewUploads(cfg.Services.UploadURL, httpClient)

	stages := stage.NewStore()
	activator := stage.NewActivator(bank, sheets, directory, stages, cfg.Station.UserID)

	conn := transport.NewConn(broker, transport.Options{
		ClientID:       stationID,
		Heartbeat:      config.Duration(cfg.Broker.Heartbeat, 45*time.Second),
		ConnectTimeout: config.Duration(cfg.Broker.ConnectTimeout, 35*time.Second),
		WillDelay:      config.Duration(cfg.Broker.WillDelay, 30*time.Second),
		ReconnectMax:   config.Duration(cfg.Broker.ReconnectMax, 2*time.Minute),
	})

	commandTopic := cfg.Broker.CommandTopic
	if commandTopic == "" {
		commandTopic = "cmd"
	}
	controlTopic := cfg.Broker.ControlTopic
	if controlTopic == "" {
		controlTopic = "quiz/control"
	}

	bridge := uibridge.New()
	st := station.New(station.Options{
		StationID:    stationID,
		TabID:        tabID,
		UserID:       cfg.Station.UserID,
		CommandTopic: commandTopic,
		ControlTopic: controlTopic,
	}, conn, stages, activator, bank, sheets, uploads, sessions, bridge)
	bridge.SetController(st)

	if err := st.Start(ctx); err != nil {
		return err
	}

	electionCfg := election.Config{
		TTL:        config.Duration(cfg.Election.TTL, 3*time.Second),
		RenewEvery: config.Duration(cfg.Election.RenewEvery, time.Second),
		PollEvery:  config.Duration(cfg.Election.PollEvery, 1500*time.Millisecond),
	}
	elector := election.New(leases, tabID, electionCfg, st.OnLeadership)
	if err := elector.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      bridge.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting station %s (tab %s) on :%s", stationID, tabID, finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down station...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down station...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	elector.Stop(shutdownCtx)
	st.Shutdown(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}
