/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numaproj/shuffler"
	"github.com/numaproj/shuffler/pkg/config"
	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/gbk"
	"github.com/numaproj/shuffler/pkg/metrics"
	"github.com/numaproj/shuffler/pkg/record"
	"github.com/numaproj/shuffler/pkg/shared/logging"
)

// inputLine is one record of the JSON lines input.
type inputLine struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// outputLine is one group of the JSON lines output.
type outputLine struct {
	Partition int      `json:"partition"`
	Key       string   `json:"key"`
	Values    []string `json:"values"`
}

func NewGroupCommand() *cobra.Command {

	var (
		configFile string
		input      string
		output     string
		sorted     bool
	)

	command := &cobra.Command{
		Use:   "group",
		Short: "Group JSON lines records by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("group")
			ctx, stop := signal.NotifyContext(logging.WithLogger(cmd.Context(), logger), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeIn()
			out, closeOut, err := openOutput(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err = runGroup(ctx, cfg, in, out, sorted); err != nil {
				_ = closeOut()
				logger.Errorw("Failed to group records", zap.Error(err))
				return err
			}
			return closeOut()
		},
	}
	command.Flags().StringVar(&configFile, "config", "", "Configuration file, defaults and SHUFFLER_ environment variables are used when empty")
	command.Flags().StringVar(&input, "input", "-", "JSON lines file of {\"key\", \"value\"} records, - for stdin")
	command.Flags().StringVar(&output, "output", "-", "File the groups are written to as JSON lines, - for stdout")
	command.Flags().BoolVar(&sorted, "sorted", false, "Sort the values of every key bytewise")
	return command
}

func runGroup(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, sorted bool) error {
	log := logging.FromContext(ctx)
	v := shuffler.GetVersion()
	metrics.BuildInfo.WithLabelValues(v.Version, v.Platform).Set(1)
	if cfg.MetricsAddr != "" {
		shutdown, err := metrics.NewMetricsServer(cfg.MetricsAddr).Start(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Errorw("Failed to shutdown metrics server", zap.Error(err))
			}
		}()
	}

	var opts []gbk.Option
	if sorted {
		opts = append(opts, gbk.WithValueComparator(bytes.Compare))
	}
	engine, err := gbk.NewEngine(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Errorw("Failed to close spill store", zap.Error(err))
		}
	}()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	sink := func(ctx context.Context, partition int, g *emitter.Group) error {
		line := outputLine{Partition: partition, Key: string(g.Key), Values: make([]string, 0, g.Values.Count())}
		if err := g.Values.ForEach(ctx, func(v []byte) error {
			line.Values = append(line.Values, string(v))
			return nil
		}); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(line)
	}
	return engine.Run(ctx, &jsonLinesReader{dec: json.NewDecoder(in)}, sink)
}

// jsonLinesReader reads records from a stream of JSON objects.
type jsonLinesReader struct {
	dec  *json.Decoder
	line int
}

func (r *jsonLinesReader) Read(ctx context.Context) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}
	var l inputLine
	if err := r.dec.Decode(&l); err != nil {
		if errors.Is(err, io.EOF) {
			return record.Record{}, io.EOF
		}
		return record.Record{}, fmt.Errorf("invalid input record %d, %w", r.line+1, err)
	}
	r.line++
	return record.New([]byte(l.Key), []byte(l.Value)), nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input, %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output, %w", err)
	}
	return f, f.Close, nil
}
