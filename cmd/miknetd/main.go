package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/miknet/internal/admin"
	"github.com/danmuck/miknet/internal/auth"
	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/netsim"
	"github.com/danmuck/miknet/internal/observability"
	"github.com/danmuck/miknet/internal/shim"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "cmd/miknetd/config.toml", "service config path")
	listen := flag.String("listen", "", "override listen address")
	flag.Parse()

	observability.InitLogger("miknetd")
	cfg := defaultServiceConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load miknetd config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded miknetd config")
	} else {
		log.Warn().Str("path", *configPath).Msg("config not found, using defaults")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("miknetd stopped")
	}
	log.Info().Msg("miknetd stopped")
}

func run(ctx context.Context, cfg serviceConfig) error {
	udp, err := shim.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	var tr shim.PacketTransport = udp
	if cfg.Link != nil {
		tr = netsim.Wrap(udp, *cfg.Link)
		log.Warn().Float64("loss", cfg.Link.Loss).Dur("delay", cfg.Link.Delay).Dur("jitter", cfg.Link.Jitter).Int("rate_limit_kbps", cfg.Link.RateLimitKbps).Msg("link degraded")
	}
	ep, err := endpoint.New(tr, cfg.Endpoint)
	if err != nil {
		_ = udp.Close()
		return err
	}
	log.Info().Str("name", cfg.Name).Str("addr", ep.LocalAddr().String()).Bool("echo", cfg.Echo).Msg("miknetd started")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminAddr != "" {
		srv := admin.New(cfg.Name, cfg.AdminAddr, ep, cfg.CorsOrigins)
		if cfg.AdminToken != "" {
			srv.RequireToken(auth.StaticToken{Token: cfg.AdminToken})
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error { return acceptLoop(gctx, ep, cfg.Echo) })
	g.Go(func() error {
		<-gctx.Done()
		return ep.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, endpoint.ErrClosed) {
		return err
	}
	return nil
}

func acceptLoop(ctx context.Context, ep *endpoint.Endpoint, echo bool) error {
	for {
		c, err := ep.Accept(ctx)
		if err != nil {
			return err
		}
		go serveConn(ctx, c, echo)
	}
}

func serveConn(ctx context.Context, c *endpoint.Conn, echo bool) {
	logger := log.With().Str("conn", c.ID()).Str("peer", c.RemoteAddr().String()).Logger()
	logger.Info().Msg("accepted")
	for d := range c.Deliveries(ctx) {
		logger.Debug().Uint16("stream", d.Position.Stream).Uint64("ordinal", d.Position.Ordinal).Int("bytes", len(d.Payload)).Msg("delivery")
		if !echo {
			continue
		}
		if err := c.Send(ctx, d.Position.Stream, d.Payload); err != nil {
			logger.Warn().Err(err).Msg("echo failed")
			break
		}
	}
	if err := c.Err(); err != nil {
		logger.Info().Err(err).Msg("closed")
		return
	}
	logger.Info().Msg("closed")
}
