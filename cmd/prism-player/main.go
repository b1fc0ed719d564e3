package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/internal/codec"
	"github.com/zsiec/prism-player/internal/config"
	"github.com/zsiec/prism-player/internal/display"
	"github.com/zsiec/prism-player/internal/player"
	"github.com/zsiec/prism-player/internal/session"
)

var version = "dev"

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prism-player",
		Short: "Headless MoQ player for prism broadcasts",
		Long: `prism-player subscribes to a broadcast over WebTransport, decodes the
video track with a bitstream inspector and presents it on a timed headless
display. The URL and broadcast can be changed while it runs by editing the
file given with --config.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			return run(cmd.Context(), v, configFile)
		},
	}

	f := cmd.Flags()
	f.String("url", "", "relay endpoint, e.g. https://localhost:4443/moq?stream=demo")
	f.String("broadcast", "", "broadcast namespace (default prism/<stream> from the URL)")
	f.String("config", "", "YAML configuration file, reloaded on change")
	f.Float64("fps", display.DefaultFPS, "display refresh rate")
	f.Bool("debug", false, "enable debug logging")

	_ = v.BindPFlag("url", f.Lookup("url"))
	_ = v.BindPFlag("broadcast", f.Lookup("broadcast"))
	_ = v.BindPFlag("display.fps", f.Lookup("fps"))
	_ = v.BindPFlag("debug", f.Lookup("debug"))
	v.SetEnvPrefix("PRISM_PLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := slog.LevelInfo
	if v.GetBool("debug") || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := display.NewClock(v.GetFloat64("display.fps"), log)
	store := config.NewStore()
	store.Apply(append(updatesFrom(v), config.SetTarget{Surface: clock})...)

	if configFile != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info("configuration file changed", "file", e.Name, "op", e.Op.String())
			store.Apply(updatesFrom(v)...)
		})
		v.WatchConfig()
	}

	connector := session.NewConnector(session.Options{
		Logger:          log,
		FingerprintPath: envOr("PRISM_PLAYER_FINGERPRINT_PATH", session.DefaultFingerprintPath),
	})
	backend := player.New(store, player.Options{
		Logger:   log,
		Connect:  player.ConnectWith(connector),
		Decoders: codec.NewFactory(log),
		Audio:    display.NewAudioLog(0, log),
	})

	log.Info("prism-player starting",
		"version", version,
		"config", store.Current(),
		"fps", v.GetFloat64("display.fps"),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return clock.Run(ctx)
	})
	g.Go(func() error {
		return backend.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		store.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("player error", "error", err)
		return err
	}
	log.Info("prism-player stopped")
	return nil
}

// updatesFrom reads the endpoint and broadcast settings. A missing
// broadcast is derived from the endpoint's stream query parameter.
func updatesFrom(v *viper.Viper) []config.Update {
	endpoint := strings.TrimSpace(v.GetString("url"))
	broadcast := strings.TrimSpace(v.GetString("broadcast"))
	if broadcast == "" {
		broadcast = broadcastFromURL(endpoint)
	}
	return []config.Update{
		config.SetEndpoint(endpoint),
		config.SetBroadcast(broadcast),
	}
}

// broadcastFromURL returns prism/<key> for an endpoint carrying
// ?stream=<key>, or "".
func broadcastFromURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	if key := u.Query().Get("stream"); key != "" {
		return "prism/" + key
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
