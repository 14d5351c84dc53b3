// Command moonlight-client drives a single streaming-host connection end
// to end: it dials the negotiated control transport, brings the input
// plane up alongside it, and logs connection-quality and termination
// events until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/GaryOderNichts/moonlight-common-c/internal/logging"
	"github.com/GaryOderNichts/moonlight-common-c/session"
	"github.com/GaryOderNichts/moonlight-common-c/types"
)

func main() {
	host := flag.String("host", "", "streaming host address (required)")
	appVersionFlag := flag.String("app-version", "7.1.431.0", "negotiated host app version quad, dot-separated")
	serverInfoVersion := flag.String("server-info-version", "", "raw ServerInfoAppVersion string, used to detect Sunshine hosts")
	aesKeyHex := flag.String("aes-key", "", "hex-encoded 16-byte remote input AES key (required)")
	aesIVHex := flag.String("aes-iv", "", "hex-encoded 16-byte remote input AES IV (required)")
	refFrameInvalidation := flag.Bool("reference-frame-invalidation", true, "enable reference-frame invalidation instead of full IDR requests")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.New(*logLevel)

	if *host == "" {
		log.Fatal().Msg("-host is required")
	}

	appVersion, err := parseAppVersion(*appVersionFlag)
	if err != nil {
		log.Fatal().Err(err).Str("app-version", *appVersionFlag).Msg("invalid -app-version")
	}

	aesKey, err := hex.DecodeString(*aesKeyHex)
	if err != nil || len(aesKey) != 16 {
		log.Fatal().Msg("-aes-key must be 32 hex characters (16 bytes)")
	}
	aesIV, err := hex.DecodeString(*aesIVHex)
	if err != nil || len(aesIV) != 16 {
		log.Fatal().Msg("-aes-iv must be 32 hex characters (16 bytes)")
	}

	cfg := session.DefaultConfig()
	cfg.Server.Address = *host
	cfg.Server.ServerInfoAppVersion = *serverInfoVersion
	cfg.AppVersion = appVersion
	cfg.RemoteInputAesKey = aesKey
	cfg.RemoteInputAesIV = aesIV
	cfg.ReferenceFrameInvalidationEnabled = *refFrameInvalidation

	terminated := make(chan int, 1)
	callbacks := &loggingCallbacks{log: log, terminated: terminated}

	sess := session.New(cfg, callbacks, log)
	log.Info().Str("session_id", sess.ID().String()).Str("host", *host).Msg("starting session")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case code := <-terminated:
		log.Info().Int("error_code", code).Msg("host terminated the connection")
	}

	sess.Stop()
}

// loggingCallbacks implements types.ConnectionCallbacks by logging every
// event and forwarding termination onto a channel main() selects on.
type loggingCallbacks struct {
	log        zerolog.Logger
	terminated chan<- int
}

func (c *loggingCallbacks) ConnectionStatusUpdate(status types.ConnectionStatus) {
	c.log.Info().Str("status", status.String()).Msg("connection status changed")
}

func (c *loggingCallbacks) ConnectionTerminated(errorCode int) {
	c.log.Warn().Int("error_code", errorCode).Msg("connection terminated")
	select {
	case c.terminated <- errorCode:
	default:
	}
}

func (c *loggingCallbacks) Rumble(controllerNumber, lowFreq, highFreq uint16) {
	c.log.Debug().
		Uint16("controller", controllerNumber).
		Uint16("low_freq", lowFreq).
		Uint16("high_freq", highFreq).
		Msg("rumble requested")
}

func parseAppVersion(s string) ([4]int, error) {
	var v [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &v[0], &v[1], &v[2], &v[3])
	if err != nil || n != 4 {
		return v, fmt.Errorf("expected four dot-separated integers, got %q", s)
	}
	return v, nil
}

var _ types.ConnectionCallbacks = (*loggingCallbacks)(nil)
