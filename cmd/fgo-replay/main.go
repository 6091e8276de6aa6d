// Package main replays recorded AUV sensor logs through the odometry pipeline
// and writes the estimated trajectory out for evaluation.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cougars-auv/fgo/estimator"
	"github.com/cougars-auv/fgo/measurement"
)

const (
	flagInput  = "input"
	flagOutput = "output"
	flagConfig = "config"
	flagDebug  = "debug"
	flagQuiet  = "quiet"
)

var logger golog.Logger

func main() {
	app := &cli.App{
		Name:  "fgo-replay",
		Usage: "replay a recorded sensor log through the factor graph odometry pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagInput,
				Aliases:  []string{"i"},
				Usage:    "sensor log to replay, one JSON record per line",
				Required: true,
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Usage:   "trajectory CSV to write",
				Value:   "trajectory.csv",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "estimator configuration `FILE` (JSON)",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  flagQuiet,
				Usage: "only print the final summary",
			},
		},
		Before: func(c *cli.Context) error {
			switch {
			case c.Bool(flagDebug):
				logger = golog.NewDebugLogger("fgo-replay")
			case c.Bool(flagQuiet):
				logger = zap.NewNop().Sugar()
			default:
				logger = golog.NewDevelopmentLogger("fgo-replay")
			}
			return nil
		},
		Action: runReplay,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (estimator.Config, error) {
	cfg := estimator.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}
	return cfg, cfg.Validate(path)
}

func runReplay(c *cli.Context) error {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}

	input, err := os.Open(c.String(flagInput))
	if err != nil {
		return errors.Wrap(err, "opening sensor log")
	}
	defer func() {
		if err := input.Close(); err != nil {
			logger.Errorw("closing input", "error", err)
		}
	}()

	output, err := os.Create(c.String(flagOutput))
	if err != nil {
		return errors.Wrap(err, "creating trajectory file")
	}

	est, err := estimator.New(cfg, logger)
	if err != nil {
		return multierr.Combine(err, output.Close())
	}

	writer := csv.NewWriter(output)
	if err := writer.Write([]string{
		"keyframe", "timestamp_nanos",
		"x", "y", "z", "vx", "vy", "vz",
		"qw", "qx", "qy", "qz",
		"converged", "stale",
	}); err != nil {
		return multierr.Combine(err, output.Close())
	}

	estimates := est.Estimates()
	feedDone := make(chan struct{})
	stopCollect := make(chan struct{})
	var drift []float64

	g, gCtx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		defer close(feedDone)
		return feed(gCtx, est, input)
	})
	g.Go(func() error {
		<-feedDone
		waitForSettle(est)
		if err := est.Close(gCtx); err != nil {
			return err
		}
		close(stopCollect)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case e := <-estimates:
				drift = append(drift, e.Pos.Norm())
				if err := writeRow(writer, e); err != nil {
					return err
				}
			case <-stopCollect:
				for {
					select {
					case e := <-estimates:
						drift = append(drift, e.Pos.Norm())
						if err := writeRow(writer, e); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
	})
	if err := g.Wait(); err != nil {
		return multierr.Combine(err, output.Close())
	}

	writer.Flush()
	if err := multierr.Combine(writer.Error(), output.Close()); err != nil {
		return err
	}

	summarize(est.Stats(), drift)
	return nil
}

func feed(ctx context.Context, est *estimator.Estimator, input *os.File) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec measurement.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warnw("skipping unparseable record", "line", line, "error", err)
			continue
		}
		if err := est.AddMeasurement(ctx, rec); err != nil {
			return errors.Wrapf(err, "feeding record at line %d", line)
		}
	}
	logger.Infow("sensor log fed", "records", line)
	return scanner.Err()
}

// waitForSettle blocks until the pipeline stops producing keyframes, so closing
// the estimator does not discard queued records.
func waitForSettle(est *estimator.Estimator) {
	last := est.Stats().Keyframes
	stable := 0
	for stable < 5 {
		time.Sleep(50 * time.Millisecond)
		if n := est.Stats().Keyframes; n == last {
			stable++
		} else {
			last = n
			stable = 0
		}
	}
}

func writeRow(w *csv.Writer, e estimator.Estimate) error {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return w.Write([]string{
		strconv.Itoa(int(e.KeyframeIndex)),
		strconv.FormatInt(e.TimestampNanos, 10),
		f(e.Pos.X), f(e.Pos.Y), f(e.Pos.Z),
		f(e.Vel.X), f(e.Vel.Y), f(e.Vel.Z),
		f(e.Rot.Real), f(e.Rot.Imag), f(e.Rot.Jmag), f(e.Rot.Kmag),
		strconv.FormatBool(e.Converged),
		strconv.FormatBool(e.StalePreintegration),
	})
}

func summarize(s estimator.Stats, drift []float64) {
	logger.Infow("replay finished",
		"keyframes", s.Keyframes,
		"stale_keyframes", s.StaleKeyframes,
		"malformed", s.MalformedMeasurements,
		"out_of_order", s.OutOfOrderMeasurements,
		"dropped_imu", s.DroppedImuSamples,
		"numerical_faults", s.NumericalFaults,
	)
	if len(drift) == 0 {
		return
	}
	mean, err := stats.Mean(drift)
	if err != nil {
		logger.Errorw("drift summary", "error", err)
		return
	}
	median, _ := stats.Median(drift)
	max, _ := stats.Max(drift)
	fmt.Printf("position drift from origin (m): mean=%.3f median=%.3f max=%.3f over %d keyframes\n",
		mean, median, max, len(drift))
}
