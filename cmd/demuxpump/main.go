package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	flag "github.com/spf13/pflag"

	"github.com/will7200/demuxpump/bridge"
	"github.com/will7200/demuxpump/internal/config"
	"github.com/will7200/demuxpump/internal/rtsp"
	"github.com/will7200/demuxpump/internal/version"
	"github.com/will7200/demuxpump/pipeline"
	"github.com/will7200/demuxpump/pump"
	"github.com/will7200/demuxpump/rtpdump"
	"github.com/will7200/demuxpump/source"
)

var (
	flagSet       = new(flag.FlagSet)
	internalUsage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	envPrefix = "demuxpump-"
	envFiles  = []string{".env.local", ".env"}
)

// flagNameFromEnvironmentName gets the variable from the environment
// starting with the envPrefix, not case-ensitive
func flagNameFromEnvironmentName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	if strings.HasPrefix(s, envPrefix) {
		return strings.TrimPrefix(s, envPrefix)
	}
	return ""
}

type flags struct {
	config          *string
	input           *string
	segmentDir      *string
	segmentInterval *time.Duration
	gstreamer       *bool
	fragmented      *bool
	live            *bool
	rtspAddress     *string
	logLevel        *string
}

// apply overrides cfg with the flags set on the command line or through
// the environment.
func (f flags) apply(cfg *config.Config, fs *flag.FlagSet) {
	if fs.Changed("input") {
		cfg.Input.Path = *f.input
	}
	if fs.Changed("segment-dir") {
		cfg.Input.SegmentDir = *f.segmentDir
	}
	if fs.Changed("segment-interval") {
		cfg.Input.SegmentInterval = *f.segmentInterval
	}
	if fs.Changed("gst") {
		cfg.Input.GStreamer = *f.gstreamer
	}
	if fs.Changed("fragmented") {
		cfg.Pump.Fragmented = *f.fragmented
	}
	if fs.Changed("live") {
		cfg.Pump.Live = *f.live
	}
	if fs.Changed("rtsp-address") {
		cfg.RTSP.Address = *f.rtspAddress
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *f.logLevel
	}
}

func main() {
	flag.Usage = internalUsage

	var (
		showVersion = flagSet.BoolP("version", "v", false, "prints the version of the demuxpump")
		help        = flagSet.BoolP("help", "h", false, "show this help message")
		debug       = flagSet.BoolP("debug", "d", false, "debug logging")
		f           = flags{
			config:          flagSet.StringP("config", "c", "", "yaml configuration file"),
			input:           flagSet.StringP("input", "i", "", "rtpdump file to play"),
			segmentDir:      flagSet.String("segment-dir", "", "directory of rtpdump segments to follow"),
			segmentInterval: flagSet.Duration("segment-interval", time.Second, "how often the segment directory is scanned"),
			gstreamer:       flagSet.Bool("gst", false, "read the input through a gstreamer filesrc in pull mode"),
			fragmented:      flagSet.Bool("fragmented", false, "upstream delivers the input in segments"),
			live:            flagSet.Bool("live", false, "wait for the first segment before starting"),
			rtspAddress:     flagSet.String("rtsp-address", "", "serve the output over RTSP on this address"),
			logLevel:        flagSet.String("log-level", "", "log level"),
		}
	)

	flagSet.VisitAll(func(f *flag.Flag) {
		if flag.Lookup(f.Name) == nil {
			flag.CommandLine.AddFlag(f)
		}
	})

	config.LoadEnvFiles(envFiles)

	// Set flags from environment
	for _, v := range os.Environ() {
		vals := strings.SplitN(v, "=", 2)
		flagName := flagNameFromEnvironmentName(vals[0])
		fn := flag.CommandLine.Lookup(flagName)
		if fn == nil || fn.Changed {
			continue
		}
		if err := flag.CommandLine.Set(flagName, vals[1]); err != nil {
			fmt.Println(err)
		}
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *help {
		flag.Usage()
		return
	}

	cfg := config.Default()
	if *f.config != "" {
		var err error
		if cfg, err = config.LoadFromFile(*f.config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	f.apply(cfg, flag.CommandLine)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	level, _ := cfg.Log.ZerologLevel()
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if *debug || cfg.Log.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := run(cfg); err != nil {
		log.Error().Stack().Err(err).Msg("demuxpump failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p *pump.Pump
	var watcher *segmentWatcher
	var upstream bridge.Upstream
	var closeUpstream func() error
	var requestNextSegment func()

	switch {
	case cfg.Input.SegmentDir != "":
		segments := source.NewSegments(source.SegmentsParams{
			OnSegmentReady: func(size uint64) { p.HandleSegmentReady(size) },
			OnEndOfStream:  func() { p.HandleUpstreamEOS() },
		})
		watcher = newSegmentWatcher(cfg.Input.SegmentDir, cfg.Input.SegmentInterval, segments)
		upstream, closeUpstream = segments, segments.Close
	case cfg.Input.GStreamer:
		gst.Init(nil)
		src, err := pipeline.OpenPullSource(pipeline.PullSourceParams{Location: cfg.Input.Path})
		if err != nil {
			return err
		}
		upstream, closeUpstream = src, src.Close
		requestNextSegment = src.RequestNextSegment
	default:
		file, err := source.OpenFile(cfg.Input.Path)
		if err != nil {
			return err
		}
		upstream, closeUpstream = file, file.Close
	}
	defer closeUpstream()

	kinds := []pump.MediaKind{pump.KindVideo, pump.KindAudio}
	sinks := make(map[pump.MediaKind]pump.Sink, len(kinds))
	if cfg.RTSP.Address != "" {
		publisher := rtsp.NewPublisher(rtsp.PublisherParams{RTSPAddress: cfg.RTSP.Address})
		if err := publisher.Start(); err != nil {
			return err
		}
		defer publisher.Close()
		for _, kind := range kinds {
			sinks[kind] = publisher.Sink(kind)
		}
		log.Info().Str("address", cfg.RTSP.Address).Msg("serving rtsp")
	} else {
		for _, kind := range kinds {
			sinks[kind] = newLogSink(kind)
		}
	}

	// the segment queue moves on by itself, only gstreamer needs asking
	p = pump.NewPump(pump.Params{
		Upstream:           upstream,
		Open:               rtpdump.OpenBridge,
		Sinks:              sinks,
		Fragmented:         cfg.Pump.Fragmented,
		Live:               cfg.Pump.Live,
		RequestNextSegment: requestNextSegment,
	})
	if err := p.Activate(); err != nil {
		return err
	}
	defer func() {
		if err := p.Deactivate(); err != nil {
			log.Warn().Err(err).Msg("deactivate")
		}
	}()

	watchErr := make(chan error, 1)
	if watcher != nil {
		go func() { watchErr <- watcher.Run(ctx) }()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupted")
			return nil
		case serr := <-p.Errors():
			return serr
		case err := <-watchErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			// keep serving readers until interrupted
			if p.State() == pump.EndOfStream && cfg.RTSP.Address == "" {
				log.Info().Str("pump", p.ID()).Msg("done")
				return nil
			}
		}
	}
}
