package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
	"github.com/bryanwahyu/automaton-inspect/internal/application/handoff"
	appinspect "github.com/bryanwahyu/automaton-inspect/internal/application/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/capture"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/storage"
	"github.com/bryanwahyu/automaton-inspect/internal/observability"
)

type replayOptions struct {
	configPath string
	frames     string
	site       string
	address    string
	tenant     string
	engine     string
	interval   time.Duration
	settle     time.Duration
	out        string
	upload     bool
}

// replayReport is the file written by replay.
type replayReport struct {
	*appinspect.Result
	Summary domain.Summary        `json:"summary"`
	Hazards []domain.TaggedHazard `json:"hazards"`
	Frames  int                   `json:"frames"`
}

func newReplayCmd(build engineSet) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:     "replay",
		Aliases: []string{"r"},
		Short:   "Inspect a directory of recorded frames and write the hand-off analysis",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd, opts, build)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.frames, "frames", "f", "", "directory of .jpg/.png frames, replayed in name order")
	f.StringVarP(&opts.site, "site", "s", "", "site name")
	f.StringVar(&opts.address, "address", "", "site address")
	f.StringVar(&opts.tenant, "tenant", "default", "tenant used for evidence keys")
	f.StringVarP(&opts.engine, "engine", "e", "", "analysis engine: streaming or polling (default from config)")
	f.DurationVarP(&opts.interval, "interval", "i", 0, "capture interval (default from config)")
	f.DurationVar(&opts.settle, "settle", 2*time.Second, "wait after the last frame before ending the session")
	f.StringVarP(&opts.out, "out", "o", "analysis.json", "output file")
	f.BoolVar(&opts.upload, "upload", false, "upload the output file to the evidence bucket")
	f.StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "config file")
	_ = cmd.MarkFlagRequired("frames")
	_ = cmd.MarkFlagRequired("site")

	return cmd
}

func runReplay(cmd *cobra.Command, opts replayOptions, build engineSet) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if opts.engine != "" {
		cfg.Engine.Mode = opts.engine
	}
	if opts.interval > 0 {
		cfg.Engine.CaptureInterval = opts.interval
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if opts.upload && cfg.Minio.Endpoint == "" {
		return errors.New("--upload needs minio.endpoint in the config")
	}

	src, err := capture.NewDirSource(opts.frames, false)
	if err != nil {
		return err
	}

	log := observability.InitLoggerTo(cmd.ErrOrStderr(), "inspect-cli", cfg.Server.Env, cfg.Server.LogLevel)

	shutdownTelemetry, err := observability.Setup(ctx, "inspect-cli", cfg.Telemetry.ServiceVersion, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	// flush AI call metrics before exit
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	var reasoner analysis.Reasoner
	if cfg.OpenAI.APIKey != "" {
		reasoner = openai.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ReasoningModel)
	}

	svc := &appinspect.Service{
		Handoff:  handoff.NewAnalyzer(reasoner, cfg.OpenAI.HandoffTimeout, log),
		Engines:  build(cfg, log),
		Clock:    application.SystemClock{},
		Log:      log,
		Interval: cfg.Engine.CaptureInterval,
	}

	sess, err := svc.Start(ctx, appinspect.StartCommand{
		TenantID:    opts.tenant,
		SiteName:    opts.site,
		SiteAddress: opts.address,
		Engine:      cfg.Engine.Mode,
		Source:      src,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Replaying %d frames from %s (session %s, engine %s)\n", src.Len(), opts.frames, sess.ID(), cfg.Engine.Mode)

	interrupted := false
	select {
	case <-sess.SourceExhausted():
		// kasih waktu engine jawab frame terakhir
		select {
		case <-time.After(opts.settle):
		case <-ctx.Done():
			interrupted = true
		}
	case <-ctx.Done():
		interrupted = true
	}

	finishCtx := context.WithoutCancel(ctx)
	var res *appinspect.Result
	if interrupted {
		res, err = sess.Cancel(finishCtx)
	} else {
		res, err = sess.End(finishCtx)
	}
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	hazards := sess.Hazards()
	for i := range hazards {
		hazards[i].Image = nil
	}
	data, err := json.MarshalIndent(replayReport{
		Result:  res,
		Summary: sess.Summary(),
		Hazards: hazards,
		Frames:  src.Len(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	printResult(out, res, opts.out)

	if opts.upload {
		store, err := storage.New(finishCtx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("connect evidence store: %w", err)
		}
		key := fmt.Sprintf("%s/inspections/%s/replay-result.json", res.Session.TenantID, res.Session.ID)
		url, err := store.Upload(finishCtx, opts.out, key)
		if err != nil {
			return fmt.Errorf("upload result: %w", err)
		}
		fmt.Fprintf(out, "Uploaded: %s\n", url)
	}

	if interrupted {
		return fmt.Errorf("replay interrupted: %w", ctx.Err())
	}
	return nil
}

func printResult(w io.Writer, res *appinspect.Result, path string) {
	a := res.Analysis
	fmt.Fprintf(w, "Session %s %s\n", res.Session.ID, res.Session.Status)
	fmt.Fprintf(w, "Risk: %s (score %d, %s analysis)\n", a.OverallRiskLevel, a.RiskScore, a.Origin)
	if a.ExecutiveSummary != "" {
		fmt.Fprintf(w, "%s\n", a.ExecutiveSummary)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	fmt.Fprintf(w, "Result written to %s\n", path)
}
